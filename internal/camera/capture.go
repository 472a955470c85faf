package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// v4l2Property はプロパティ名とV4L2コントロールの対応
type v4l2Property struct {
	controls []string       // 候補となるコントロール名（先に見つかったものを使う）
	scale    float64        // プロパティ値 = コントロール値 * scale
	enum     map[string]int // 列挙型の値の対応
}

// V4L2の露出は100マイクロ秒単位
var v4l2Properties = map[string]v4l2Property{
	PropExposureTime:    {controls: []string{"exposure_time_absolute"}, scale: 100},
	PropExposureTimeAbs: {controls: []string{"exposure_absolute"}, scale: 100},
	PropGamma:           {controls: []string{"gamma"}, scale: 0.01},
	PropExposureAuto: {
		controls: []string{"auto_exposure", "exposure_auto"},
		enum:     map[string]int{EnumOff: 1, EnumContinuous: 3},
	},
	PropGainAuto: {
		controls: []string{"gain_automatic", "gain_auto"},
		enum:     map[string]int{EnumOff: 0, EnumContinuous: 1},
	},
	PropBalanceWhiteAuto: {
		controls: []string{"white_balance_automatic", "white_balance_temperature_auto"},
		enum:     map[string]int{EnumOff: 0, EnumContinuous: 1},
	},
}

// v4l2Control は v4l2-ctl --list-ctrls の1行分
type v4l2Control struct {
	Name  string
	Type  string
	Min   int64
	Max   int64
	Value int64
}

// V4L2Device はシェルコマンドを使ってV4L2デバイスを操作する
// コントロールは v4l2-ctl、フレーム取得は ffmpeg で行う
type V4L2Device struct {
	devicePath string
	width      int
	height     int

	mu        sync.Mutex
	open      bool
	streaming bool
}

// NewV4L2Device は新しいV4L2Deviceを作成する
// width/height が0の場合はデバイスの既定解像度を使う
func NewV4L2Device(devicePath string, width, height int) *V4L2Device {
	return &V4L2Device{
		devicePath: devicePath,
		width:      width,
		height:     height,
	}
}

// Open はデバイスが応答することを確認してオープン状態にする
func (c *V4L2Device) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return nil
	}
	if _, err := runV4L2Info(ctx, c.devicePath); err != nil {
		return fmt.Errorf("デバイス %s のオープンに失敗: %w", c.devicePath, err)
	}
	c.open = true
	return nil
}

// Close はデバイスを閉じる
func (c *V4L2Device) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.streaming = false
	return nil
}

// IsOpen はオープン済みかどうかを返す
func (c *V4L2Device) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// StartStreaming は取得可能な状態にする
func (c *V4L2Device) StartStreaming(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return fmt.Errorf("デバイス %s はオープンされていません", c.devicePath)
	}
	c.streaming = true
	return nil
}

// StopStreaming は取得を停止する
func (c *V4L2Device) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = false
	return nil
}

// IsStreaming は取得中かどうかを返す
func (c *V4L2Device) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Retrieve はffmpegで1フレームをキャプチャする
func (c *V4L2Device) Retrieve(ctx context.Context, timeout time.Duration) (image.Image, error) {
	if !c.IsStreaming() {
		return nil, fmt.Errorf("デバイス %s は取得を開始していません", c.devicePath)
	}

	grabCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if c.width > 0 && c.height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.width, c.height))
	}
	args = append(args,
		"-i", c.devicePath,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2", // 高品質JPEG
		"-",
	)
	cmd := exec.CommandContext(grabCtx, "ffmpeg", args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(grabCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("フレームキャプチャに失敗: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	// 途中で切れたフレームは取得失敗として扱う
	img, err := imaging.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: JPEG画像のデコードに失敗: %v", ErrNoFrame, err)
	}
	return img, nil
}

// GetNumber は数値プロパティを取得する
func (c *V4L2Device) GetNumber(ctx context.Context, name string) (NumericProperty, error) {
	prop, ctrl, err := c.lookup(ctx, name)
	if err != nil {
		return NumericProperty{}, err
	}
	if prop.enum != nil {
		return NumericProperty{}, fmt.Errorf("%s は数値プロパティではありません", name)
	}
	return NumericProperty{
		Value: float64(ctrl.Value) * prop.scale,
		Min:   float64(ctrl.Min) * prop.scale,
		Max:   float64(ctrl.Max) * prop.scale,
	}, nil
}

// SetNumber は数値プロパティを設定する
func (c *V4L2Device) SetNumber(ctx context.Context, name string, value float64) error {
	prop, ctrl, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}
	if prop.enum != nil {
		return fmt.Errorf("%s は数値プロパティではありません", name)
	}
	raw := int64(value/prop.scale + 0.5)
	return c.setControl(ctx, ctrl.Name, raw)
}

// SetEnum は列挙型プロパティを設定する
func (c *V4L2Device) SetEnum(ctx context.Context, name, value string) error {
	prop, ctrl, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}
	raw, ok := prop.enum[value]
	if !ok {
		return fmt.Errorf("%s に %q は設定できません", name, value)
	}
	return c.setControl(ctx, ctrl.Name, int64(raw))
}

// lookup はプロパティに対応するコントロールの現在値を取得する
func (c *V4L2Device) lookup(ctx context.Context, name string) (v4l2Property, v4l2Control, error) {
	prop, ok := v4l2Properties[name]
	if !ok {
		return v4l2Property{}, v4l2Control{}, fmt.Errorf("%s: %w", name, ErrPropertyUnavailable)
	}

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--list-ctrls").Output()
	if err != nil {
		return v4l2Property{}, v4l2Control{}, fmt.Errorf("コントロール一覧の取得に失敗: %w", err)
	}
	controls := parseV4L2Controls(string(output))

	for _, candidate := range prop.controls {
		if ctrl, ok := controls[candidate]; ok {
			return prop, ctrl, nil
		}
	}
	return v4l2Property{}, v4l2Control{}, fmt.Errorf("%s: %w", name, ErrPropertyUnavailable)
}

func (c *V4L2Device) setControl(ctx context.Context, control string, value int64) error {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--set-ctrl", fmt.Sprintf("%s=%d", control, value))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("コントロール %s の設定に失敗: %w (%s)", control, err, strings.TrimSpace(string(output)))
	}
	return nil
}

var (
	ctrlLineRe  = regexp.MustCompile(`^\s*(\w+)\s+0x[0-9a-f]+\s+\((\w+)\)\s*:\s*(.*)$`)
	ctrlFieldRe = regexp.MustCompile(`(\w+)=(-?\d+)`)
)

// parseV4L2Controls は v4l2-ctl --list-ctrls の出力を解析する
//
//	exposure_time_absolute 0x009a0902 (int)    : min=3 max=2047 step=1 default=250 value=250 flags=inactive
func parseV4L2Controls(output string) map[string]v4l2Control {
	controls := make(map[string]v4l2Control)
	for _, line := range strings.Split(output, "\n") {
		m := ctrlLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ctrl := v4l2Control{Name: m[1], Type: m[2]}
		if ctrl.Type == "bool" {
			ctrl.Max = 1
		}
		for _, f := range ctrlFieldRe.FindAllStringSubmatch(m[3], -1) {
			n, err := strconv.ParseInt(f[2], 10, 64)
			if err != nil {
				continue
			}
			switch f[1] {
			case "min":
				ctrl.Min = n
			case "max":
				ctrl.Max = n
			case "value":
				ctrl.Value = n
			}
		}
		controls[ctrl.Name] = ctrl
	}
	return controls
}

// V4L2Backend はV4L2デバイスの検出と生成を行う
type V4L2Backend struct {
	*LinuxDiscovery
	width  int
	height int
}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend(width, height int) *V4L2Backend {
	return &V4L2Backend{
		LinuxDiscovery: NewLinuxDiscovery(),
		width:          width,
		height:         height,
	}
}

// NewDevice はV4L2Deviceを作成する
func (b *V4L2Backend) NewDevice(info DeviceInfo) (Device, error) {
	if !isV4L2Device(info.Path) {
		return nil, fmt.Errorf("V4L2デバイスではありません: %s", info.Path)
	}
	return NewV4L2Device(info.Path, b.width, b.height), nil
}
