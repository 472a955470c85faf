package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

// MockDevice はテストとデモ用のDevice実装
//
// 露出時間に比例した明るさの一様なグレー画像を返す。
// ExposureAuto が Continuous の間は、取得のたびに露出を目標輝度へ近づける。
type MockDevice struct {
	info DeviceInfo

	mu        sync.Mutex
	open      bool
	streaming bool
	numbers   map[string]NumericProperty
	enums     map[string]string
	frameSize image.Point

	// brightnessScale は輝度1.0に相当する露出時間（マイクロ秒）
	brightnessScale float64

	// 取得結果の制御
	failNext    int   // この回数だけ ErrNoFrame を返す
	alwaysFail  bool  // 常に ErrNoFrame を返す
	retrieveErr error // ErrNoFrame 以外の異常

	// 呼び出し回数
	opens     int
	retrieves int
	writes    map[string]int
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice(info DeviceInfo) *MockDevice {
	return &MockDevice{
		info: cloneInfo(info),
		numbers: map[string]NumericProperty{
			PropExposureTime:    {Value: 10000, Min: 30, Max: 1000000},
			PropGamma:           {Value: 1, Min: 0.25, Max: 4},
			PropAutoTargetValue: {Value: 128, Min: 50, Max: 205},
		},
		enums: map[string]string{
			PropExposureAuto:     EnumOff,
			PropGainAuto:         EnumOff,
			PropBalanceWhiteAuto: EnumContinuous,
		},
		frameSize:       image.Pt(64, 48),
		brightnessScale: 20000,
		writes:          make(map[string]int),
	}
}

// Info はデバイス情報を返す
func (m *MockDevice) Info() DeviceInfo {
	return cloneInfo(m.info)
}

func (m *MockDevice) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.open {
		m.open = true
		m.opens++
	}
	return nil
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.streaming = false
	return nil
}

func (m *MockDevice) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockDevice) StartStreaming(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return fmt.Errorf("デバイス %s はオープンされていません", m.info.Path)
	}
	m.streaming = true
	return nil
}

func (m *MockDevice) StopStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = false
	return nil
}

func (m *MockDevice) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Retrieve はグレー画像を返す。タイムアウトまで待つことはしない
func (m *MockDevice) Retrieve(ctx context.Context, _ time.Duration) (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.streaming {
		return nil, fmt.Errorf("デバイス %s は取得を開始していません", m.info.Path)
	}
	m.retrieves++

	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	if m.alwaysFail {
		return nil, ErrNoFrame
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, ErrNoFrame
	}

	if m.enums[PropExposureAuto] == EnumContinuous {
		m.stepAutoExposure()
	}

	level := m.brightness() * 255
	img := image.NewGray(image.Rectangle{Max: m.frameSize})
	fill := color.Gray{Y: uint8(math.Round(level))}
	for y := 0; y < m.frameSize.Y; y++ {
		for x := 0; x < m.frameSize.X; x++ {
			img.SetGray(x, y, fill)
		}
	}
	return img, nil
}

// brightness は現在の露出から輝度 (0..1) を求める（ロック済み前提）
func (m *MockDevice) brightness() float64 {
	exp, ok := m.exposure()
	if !ok {
		return 0.5
	}
	return math.Min(1, exp.Value/m.brightnessScale)
}

// stepAutoExposure は露出を目標輝度へ半分だけ近づける（ロック済み前提）
func (m *MockDevice) stepAutoExposure() {
	name := PropExposureTime
	exp, ok := m.numbers[name]
	if !ok {
		name = PropExposureTimeAbs
		if exp, ok = m.numbers[name]; !ok {
			return
		}
	}

	target := 0.5
	if t, ok := m.numbers[PropAutoTargetValue]; ok {
		target = t.Value / 255
	} else if t, ok := m.numbers[PropAutoTargetBrightness]; ok {
		target = t.Value
	}

	goal := target * m.brightnessScale
	exp.Value = exp.Clamp(math.Round(exp.Value + (goal-exp.Value)/2))
	m.numbers[name] = exp
}

func (m *MockDevice) exposure() (NumericProperty, bool) {
	if exp, ok := m.numbers[PropExposureTime]; ok {
		return exp, true
	}
	exp, ok := m.numbers[PropExposureTimeAbs]
	return exp, ok
}

func (m *MockDevice) GetNumber(ctx context.Context, name string) (NumericProperty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return NumericProperty{}, err
	}
	p, ok := m.numbers[name]
	if !ok {
		return NumericProperty{}, fmt.Errorf("%s: %w", name, ErrPropertyUnavailable)
	}
	return p, nil
}

func (m *MockDevice) SetNumber(ctx context.Context, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := m.numbers[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrPropertyUnavailable)
	}
	if value < p.Min || value > p.Max {
		return fmt.Errorf("%s の値 %v が範囲外です [%v, %v]", name, value, p.Min, p.Max)
	}
	p.Value = value
	m.numbers[name] = p
	m.writes[name]++
	return nil
}

func (m *MockDevice) SetEnum(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := m.enums[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrPropertyUnavailable)
	}
	if value != EnumOff && value != EnumContinuous {
		return fmt.Errorf("%s に %q は設定できません", name, value)
	}
	m.enums[name] = value
	m.writes[name]++
	return nil
}

// SetNumberProperty はテスト用に数値プロパティを定義する
func (m *MockDevice) SetNumberProperty(name string, p NumericProperty) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numbers[name] = p
}

// RemoveProperty はテスト用にプロパティを未対応にする
func (m *MockDevice) RemoveProperty(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.numbers, name)
	delete(m.enums, name)
}

// Enum は列挙型プロパティの現在値を返す
func (m *MockDevice) Enum(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enums[name]
}

// SetFrameSize は返す画像の大きさを設定する
func (m *MockDevice) SetFrameSize(w, h int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameSize = image.Pt(w, h)
}

// FailNextRetrieves は次の n 回の取得を ErrNoFrame にする
func (m *MockDevice) FailNextRetrieves(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetAlwaysFail は取得を常に ErrNoFrame にする
func (m *MockDevice) SetAlwaysFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysFail = fail
}

// SetRetrieveError は取得時に返す異常を設定する（nil で解除）
func (m *MockDevice) SetRetrieveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveErr = err
}

// Opens は実際にオープンした回数を返す
func (m *MockDevice) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Retrieves は Retrieve の呼び出し回数を返す
func (m *MockDevice) Retrieves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrieves
}

// Writes はプロパティへの書き込み回数を返す
func (m *MockDevice) Writes(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[name]
}

// MockBackend はMockDiscoveryとMockDeviceをまとめたBackend
// 同じパスに対しては同じMockDeviceを返す
type MockBackend struct {
	*MockDiscovery

	mu      sync.Mutex
	devices map[string]*MockDevice
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(devices ...DeviceInfo) *MockBackend {
	return &MockBackend{
		MockDiscovery: NewMockDiscovery(devices...),
		devices:       make(map[string]*MockDevice),
	}
}

// NewDevice はパスに対応するMockDeviceを返す
func (b *MockBackend) NewDevice(info DeviceInfo) (Device, error) {
	return b.Device(info), nil
}

// Device はパスに対応するMockDeviceを返す。未作成の場合は作成する
func (b *MockBackend) Device(info DeviceInfo) *MockDevice {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[info.Path]
	if !ok {
		dev = NewMockDevice(info)
		b.devices[info.Path] = dev
	}
	return dev
}

// MockDeviceInfo はモック用のデバイス情報を作成する
func MockDeviceInfo(path, model, serial string) DeviceInfo {
	return DeviceInfo{
		Path: path,
		Raw: map[string]string{
			"vendor":   "camarray",
			"model":    model,
			"serial":   serial,
			"bus_info": "mock:" + path,
			"driver":   "mock",
		},
	}
}
