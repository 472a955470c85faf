package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LinuxDiscovery はLinux環境でのV4L2カメラデバイス検出を実装する
type LinuxDiscovery struct {
	// sysfsRoot は /sys/class/video4linux の場所（テストで差し替える）
	sysfsRoot string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{sysfsRoot: "/sys/class/video4linux"}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]DeviceInfo, error) {
	// /dev/video* パターンでデバイスを検索
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []DeviceInfo
	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) || !d.IsMainCamera(ctx, match) {
			continue
		}

		raw := d.readAttributes(ctx, match)
		devices = append(devices, DeviceInfo{
			Index: len(devices),
			Path:  match,
			Raw:   raw,
		})
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !isV4L2Device(device) {
		return false
	}

	// デバイスファイルの読み取り権限チェック
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// IsMainCamera はデバイスがカラー画像を出力するメインチャンネルかどうかを判定する
func (d *LinuxDiscovery) IsMainCamera(ctx context.Context, device string) bool {
	if !hasColorFormat(ctx, device) {
		return false
	}

	// 同じ物理デバイスの複数チャンネルの場合、最も小さい番号を選択
	deviceNum := extractDeviceNumber(device)
	name := d.cardType(ctx, device)
	for i := 0; i < deviceNum; i++ {
		sibling := fmt.Sprintf("/dev/video%d", i)
		if !d.IsDeviceAvailable(ctx, sibling) || !hasColorFormat(ctx, sibling) {
			continue
		}
		if name != "" && name == d.cardType(ctx, sibling) && d.busInfo(ctx, sibling) == d.busInfo(ctx, device) {
			return false
		}
	}
	return true
}

// readAttributes はv4l2-ctlとsysfsからデバイス属性を集める
func (d *LinuxDiscovery) readAttributes(ctx context.Context, device string) map[string]string {
	raw := make(map[string]string)

	if output, err := runV4L2Info(ctx, device); err == nil {
		for k, v := range parseV4L2Info(output) {
			raw[k] = v
		}
	}

	// USBデバイスの場合は親ディレクトリにシリアル番号などがある
	usbDir := filepath.Join(d.sysfsRoot, filepath.Base(device), "device", "..")
	for attr, file := range map[string]string{
		"serial":     "serial",
		"vendor":     "manufacturer",
		"vendor_id":  "idVendor",
		"product_id": "idProduct",
	} {
		data, err := os.ReadFile(filepath.Join(usbDir, file))
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			raw[attr] = v
		}
	}

	return raw
}

func (d *LinuxDiscovery) cardType(ctx context.Context, device string) string {
	output, err := runV4L2Info(ctx, device)
	if err != nil {
		return ""
	}
	return parseV4L2Info(output)["model"]
}

func (d *LinuxDiscovery) busInfo(ctx context.Context, device string) string {
	output, err := runV4L2Info(ctx, device)
	if err != nil {
		return ""
	}
	return parseV4L2Info(output)["bus_info"]
}

// v4l2Keys は v4l2-ctl --info の項目名と属性名の対応
var v4l2Keys = map[string]string{
	"Driver name":    "driver",
	"Card type":      "model",
	"Bus info":       "bus_info",
	"Driver version": "driver_version",
}

// runV4L2Info は v4l2-ctl --info を実行する
func runV4L2Info(ctx context.Context, device string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return "", fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}
	return string(output), nil
}

// parseV4L2Info は v4l2-ctl --info の出力から属性を取り出す
func parseV4L2Info(output string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key, ok := v4l2Keys[strings.TrimSpace(parts[0])]
		if !ok {
			continue
		}
		// 最初に現れた値を採用する（Media Driver Info の同名項目は無視）
		if _, exists := info[key]; exists {
			continue
		}
		if value := strings.TrimSpace(parts[1]); value != "" {
			info[key] = value
		}
	}
	return info
}

// hasColorFormat はデバイスがカラーフォーマットをサポートするかチェックする
func hasColorFormat(ctx context.Context, device string) bool {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return false
	}
	s := string(output)
	return strings.Contains(s, "YUYV") || strings.Contains(s, "MJPG")
}

var videoNumberRe = regexp.MustCompile(`video(\d+)$`)

// isV4L2Device はデバイスパスが /dev/videoN 形式かチェックする
func isV4L2Device(device string) bool {
	matched, _ := regexp.MatchString(`^/dev/video\d+$`, device)
	return matched
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []DeviceInfo
	err     error
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices ...DeviceInfo) *MockDiscovery {
	m := &MockDiscovery{}
	for _, d := range devices {
		m.devices = append(m.devices, cloneInfo(d))
	}
	return m
}

// ScanDevices はモックデバイス一覧を列挙順に返す
func (m *MockDiscovery) ScanDevices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}

	out := make([]DeviceInfo, len(m.devices))
	for i, d := range m.devices {
		out[i] = cloneInfo(d)
		out[i].Index = i
	}
	return out, nil
}

// AddDevice はテスト用にデバイスを末尾に追加する
func (m *MockDiscovery) AddDevice(info DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Path == info.Path {
			return
		}
	}
	m.devices = append(m.devices, cloneInfo(info))
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d.Path == path {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

// SetDevices は列挙結果をまとめて差し替える（列挙順の入れ替えに使う）
func (m *MockDiscovery) SetDevices(devices ...DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = m.devices[:0]
	for _, d := range devices {
		m.devices = append(m.devices, cloneInfo(d))
	}
}

// SetError は次回以降の ScanDevices が返すエラーを設定する
func (m *MockDiscovery) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func cloneInfo(info DeviceInfo) DeviceInfo {
	raw := make(map[string]string, len(info.Raw))
	for k, v := range info.Raw {
		raw[k] = v
	}
	info.Raw = raw
	return info
}
