package capture

import (
	"fmt"
	"image"
	"time"

	"camarray/internal/camera"
)

// TimestampLayout は撮影結果の時刻の書式（秒精度）
const TimestampLayout = "2006-01-02 15:04:05"

// State は撮影の状態
type State string

const (
	StateIdle                State = "idle"
	StateOpening             State = "opening"
	StateExposureConfiguring State = "exposure_configuring"
	StateGrabbing            State = "grabbing"
	StateRetrying            State = "retrying"
	StateSuccess             State = "success"
	StateFailed              State = "failed"
)

// Strategy は自動露出の収束方法
type Strategy string

const (
	// StrategyFixedSamples は決まった枚数を取得してハードウェアの自動露出を落ち着かせる
	StrategyFixedSamples Strategy = "fixed_samples"
	// StrategyThreshold は輝度が目標に近づいた時点で打ち切り、露出を固定する
	StrategyThreshold Strategy = "threshold"
)

// AutoExposurePolicy は自動露出の設定
type AutoExposurePolicy struct {
	Strategy   Strategy
	Brightness float64 // 目標輝度 (0..1)
	Samples    int     // 取得するフレーム数（threshold では上限）
	Threshold  float64 // threshold の許容誤差
}

// Policy は撮影の上限値
type Policy struct {
	MaxAttempts  int           // フレームが得られなかったときの再試行回数
	Timeout      time.Duration // 1回の取得の待ち時間
	AutoExposure AutoExposurePolicy
}

// Request は1台のカメラに対する撮影要求
type Request struct {
	Identity  string
	Exposure  camera.Exposure
	Gamma     float64 // 0以下の場合は設定しない
	Rotation  int     // 0, 90, 180, 270（時計回り）
	Log       bool    // 成功時にログを出す
	Timestamp time.Time
}

// Result は撮影結果（保存される形式）
type Result struct {
	Identity      string  `json:"identity"`
	Timestamp     string  `json:"timestamp"`
	ExposureTime  int     `json:"exposure_time"`
	AutoExposure  bool    `json:"autoexposure"`
	ImagePath     *string `json:"image_path"`
	RotationAngle string  `json:"rotation_angle"`
	Success       bool    `json:"success"`
	ErrorMsg      *string `json:"error_msg"`
}

// Outcome は撮影の結果と経過
type Outcome struct {
	Result   Result
	Image    image.Image // 成功時のみ。回転済み
	Attempts int         // 失敗した取得の回数
	States   []State     // 通過した状態
	Err      error       // 失敗時のエラー（apperr 種別付き）
}

// RotationLabel は保存用の回転角の表記を返す
func RotationLabel(rotation int) string {
	if rotation == 0 {
		return "0"
	}
	return fmt.Sprintf("%d (clockwise)", rotation)
}

// FailedResult は撮影前に失敗した場合の結果を作る（デバイスが見つからない場合など）
func FailedResult(identity string, exp camera.Exposure, rotation int, ts time.Time, err error) Result {
	msg := err.Error()
	return Result{
		Identity:      identity,
		Timestamp:     ts.Format(TimestampLayout),
		AutoExposure:  exp.Mode == camera.ExposureAuto,
		RotationAngle: RotationLabel(rotation),
		Success:       false,
		ErrorMsg:      &msg,
	}
}
