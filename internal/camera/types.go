package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrNoFrame は制限時間内にフレームが得られなかったことを表す
// 取得ループはこのエラーを再試行対象として扱う
var ErrNoFrame = errors.New("フレームを取得できませんでした")

// ErrPropertyUnavailable はデバイスが指定プロパティを持たないことを表す
var ErrPropertyUnavailable = errors.New("プロパティが利用できません")

// デバイスプロパティ名
const (
	PropExposureTime         = "ExposureTime"
	PropExposureTimeAbs      = "ExposureTimeAbs"
	PropExposureAuto         = "ExposureAuto"
	PropGainAuto             = "GainAuto"
	PropGamma                = "Gamma"
	PropBalanceWhiteAuto     = "BalanceWhiteAuto"
	PropAutoTargetValue      = "AutoTargetValue"
	PropAutoTargetBrightness = "AutoTargetBrightness"
)

// 列挙型プロパティの値
const (
	EnumOff        = "Off"
	EnumContinuous = "Continuous"
)

// DeviceInfo は列挙されたデバイスの情報を表す
type DeviceInfo struct {
	Index int               // 列挙順（再起動や抜き差しで変わる）
	Path  string            // デバイスパス
	Raw   map[string]string // 取得できた属性のみを保持する
}

// NumericProperty は数値プロパティの現在値と範囲を表す
type NumericProperty struct {
	Value float64
	Min   float64
	Max   float64
}

// Clamp は v を [Min, Max] に収める
func (p NumericProperty) Clamp(v float64) float64 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices は現在接続されているデバイスを列挙順に返す
	ScanDevices(ctx context.Context) ([]DeviceInfo, error)
}

// Device は1台のカメラに対するフレーム取得とプロパティ操作を提供する
type Device interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	StartStreaming(ctx context.Context) error
	StopStreaming() error
	IsStreaming() bool

	// Retrieve は最大 timeout だけ待って1フレームを取得する
	// 時間内に得られない場合は ErrNoFrame を返す
	Retrieve(ctx context.Context, timeout time.Duration) (image.Image, error)

	// プロパティ操作。存在しない場合は ErrPropertyUnavailable を返す
	GetNumber(ctx context.Context, name string) (NumericProperty, error)
	SetNumber(ctx context.Context, name string, value float64) error
	SetEnum(ctx context.Context, name, value string) error
}

// Backend はデバイスの検出と生成をまとめたもの
type Backend interface {
	Discovery

	// NewDevice は列挙されたデバイスのハンドルを作成する（まだオープンしない）
	NewDevice(info DeviceInfo) (Device, error)
}
