package camera

import (
	"fmt"
	"sort"
)

// BackendConfig はバックエンド作成設定
type BackendConfig struct {
	Width       int // V4L2のキャプチャ解像度（0で既定値）
	Height      int
	MockDevices int // mock で模擬するデバイス数
}

// BackendCreator はバックエンド作成関数の型
type BackendCreator func(cfg BackendConfig) (Backend, error)

// BackendFactory は名前からバックエンドを作成する
type BackendFactory struct {
	creators map[string]BackendCreator
}

// NewBackendFactory は v4l2 と mock を登録したファクトリーを作成する
func NewBackendFactory() *BackendFactory {
	f := &BackendFactory{creators: make(map[string]BackendCreator)}

	f.Register("v4l2", func(cfg BackendConfig) (Backend, error) {
		return NewV4L2Backend(cfg.Width, cfg.Height), nil
	})
	f.Register("mock", newMockBackendFromConfig)

	return f
}

// Register はバックエンド作成関数を登録する
func (f *BackendFactory) Register(name string, creator BackendCreator) {
	f.creators[name] = creator
}

// Create はバックエンドを作成する
func (f *BackendFactory) Create(name string, cfg BackendConfig) (Backend, error) {
	creator, exists := f.creators[name]
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", name)
	}
	return creator(cfg)
}

// SupportedTypes は登録済みのバックエンド名を返す
func (f *BackendFactory) SupportedTypes() []string {
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMockBackendFromConfig(cfg BackendConfig) (Backend, error) {
	if cfg.MockDevices < 0 {
		return nil, fmt.Errorf("無効なモックデバイス数: %d", cfg.MockDevices)
	}
	devices := make([]DeviceInfo, cfg.MockDevices)
	for i := range devices {
		devices[i] = MockDeviceInfo(fmt.Sprintf("/dev/mock%d", i), "MockCam", fmt.Sprintf("MOCK%04d", i))
	}
	return NewMockBackend(devices...), nil
}
