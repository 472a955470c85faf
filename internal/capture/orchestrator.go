// Package capture は1台のカメラから1枚の画像を得るまでの状態遷移を担う
//
// Idle → Opening → ExposureConfiguring → Grabbing → {Success | Retrying | Failed}
//
// 待ちが発生するのはフレーム取得と自動露出の収束だけで、どちらも上限（タイムアウト、枚数）を持つ。
// 失敗してもハンドルは閉じないので、次回は再オープンせずに続けられる。
package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"
	"time"

	"camarray/internal/apperr"
	"camarray/internal/camera"

	"github.com/disintegration/imaging"
)

// Orchestrator は撮影の状態遷移を実行する
// 同じ Session を並行して渡してはならない
type Orchestrator struct {
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// New は新しいOrchestratorを作成する
func New(policy Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.AutoExposure.Strategy == "" {
		policy.AutoExposure.Strategy = StrategyFixedSamples
	}
	return &Orchestrator{
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Policy は設定を返す
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// run は1回の撮影の経過を記録する
type run struct {
	out    Outcome
	logger *slog.Logger
}

func (r *run) enter(s State) {
	r.out.States = append(r.out.States, s)
}

func (r *run) fail(kind apperr.Kind, err error, msg string) Outcome {
	r.enter(StateFailed)
	wrapped := err
	if apperr.KindOf(err) == apperr.KindInternal {
		wrapped = apperr.Wrap(kind, err, "%s", msg)
	}
	text := wrapped.Error()
	r.out.Result.Success = false
	r.out.Result.ErrorMsg = &text
	r.out.Result.ImagePath = nil
	r.out.Image = nil
	r.out.Err = wrapped
	r.logger.Warn("撮影に失敗しました", "state", StateFailed, "attempts", r.out.Attempts, "error", text)
	return r.out
}

// Grab は1枚の画像を取得する
func (o *Orchestrator) Grab(ctx context.Context, sess *camera.Session, req Request) Outcome {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	r := &run{
		logger: o.logger.With("identity", req.Identity, "exposure", req.Exposure.String()),
		out: Outcome{
			Result: Result{
				Identity:      req.Identity,
				Timestamp:     ts.Format(TimestampLayout),
				AutoExposure:  req.Exposure.Mode == camera.ExposureAuto,
				RotationAngle: RotationLabel(req.Rotation),
			},
		},
	}
	r.enter(StateIdle)

	switch req.Exposure.Mode {
	case camera.ExposureFixed, camera.ExposureAuto, camera.ExposureDefault:
	case camera.ExposureHDR:
		return r.fail(apperr.KindNotImplemented, apperr.New(apperr.KindNotImplemented, "hdr 露出には対応していません"), "")
	default:
		return r.fail(apperr.KindValidation, apperr.New(apperr.KindValidation, "不明な露出モード: %q", req.Exposure.Mode), "")
	}

	r.enter(StateOpening)
	if err := sess.Open(ctx); err != nil {
		return r.fail(apperr.KindHardwareException, err, "デバイスのオープンに失敗")
	}

	r.enter(StateExposureConfiguring)
	if err := o.configureExposure(ctx, sess, req, r.logger); err != nil {
		return r.fail(apperr.KindHardwareException, err, "露出の設定に失敗")
	}

	r.enter(StateGrabbing)
	if err := sess.StartStreaming(ctx); err != nil {
		return r.fail(apperr.KindHardwareException, err, "取得の開始に失敗")
	}

	var img image.Image
	for {
		if err := ctx.Err(); err != nil {
			return r.fail(apperr.KindHardwareException, err, "撮影が中断されました")
		}

		frame, err := sess.Device().Retrieve(ctx, o.policy.Timeout)
		if err == nil {
			img = frame
			break
		}
		if !errors.Is(err, camera.ErrNoFrame) {
			return r.fail(apperr.KindHardwareException, err, "フレームの取得に失敗")
		}

		r.out.Attempts++
		if r.out.Attempts > o.policy.MaxAttempts {
			return r.fail(apperr.KindHardwareTimeout, apperr.New(apperr.KindHardwareTimeout, "max attempts exceeded"), "")
		}
		r.logger.Debug("フレームを取得できなかったため再試行します", "attempt", r.out.Attempts)
		r.enter(StateRetrying)
		r.enter(StateGrabbing)
	}

	// 実際に使われた露出はハードウェアから読み直す
	exp, err := sess.Exposure(ctx)
	switch {
	case err == nil:
		r.out.Result.ExposureTime = int(math.Round(exp.Value))
	case errors.Is(err, camera.ErrPropertyUnavailable):
		r.logger.Debug("露出を読み取れないデバイスです")
	default:
		return r.fail(apperr.KindHardwareException, err, "露出の読み取りに失敗")
	}

	r.out.Image = Rotate(img, req.Rotation)
	r.out.Result.Success = true
	r.out.Result.ErrorMsg = nil
	r.enter(StateSuccess)

	if req.Log {
		r.logger.Info("撮影しました", "exposure_time", r.out.Result.ExposureTime, "retries", r.out.Attempts)
	}
	return r.out
}

// configureExposure は露出モードに応じてプロパティを設定する
func (o *Orchestrator) configureExposure(ctx context.Context, sess *camera.Session, req Request, logger *slog.Logger) error {
	switch req.Exposure.Mode {
	case camera.ExposureDefault:
		// 現在の設定をそのまま使う
		return nil

	case camera.ExposureFixed:
		if err := o.applyImageSettings(ctx, sess, req.Gamma, logger); err != nil {
			return err
		}
		if err := setEnumIfAvailable(ctx, sess, camera.PropExposureAuto, camera.EnumOff, logger); err != nil {
			return err
		}
		if err := setEnumIfAvailable(ctx, sess, camera.PropGainAuto, camera.EnumOff, logger); err != nil {
			return err
		}

		cur, err := sess.Exposure(ctx)
		if err != nil {
			return err
		}
		target := cur.Clamp(float64(req.Exposure.Micros))
		if target != float64(req.Exposure.Micros) {
			logger.Debug("露出時間を範囲内に丸めました", "requested", req.Exposure.Micros, "applied", target, "min", cur.Min, "max", cur.Max)
		}
		if target == cur.Value {
			return nil
		}
		return sess.SetExposure(ctx, target)

	case camera.ExposureAuto:
		if err := o.applyImageSettings(ctx, sess, req.Gamma, logger); err != nil {
			return err
		}
		if err := setEnumIfAvailable(ctx, sess, camera.PropGainAuto, camera.EnumOff, logger); err != nil {
			return err
		}
		if ok, err := sess.SetTargetBrightness(ctx, o.policy.AutoExposure.Brightness); err != nil {
			return err
		} else if !ok {
			logger.Debug("目標輝度を設定できないデバイスです")
		}
		if err := sess.Device().SetEnum(ctx, camera.PropExposureAuto, camera.EnumContinuous); err != nil {
			return err
		}
		if err := sess.StartStreaming(ctx); err != nil {
			return err
		}
		return o.converge(ctx, sess, logger)
	}
	return nil
}

// converge はハードウェアの自動露出が落ち着くまでフレームを取得する
// 取得する枚数は Samples が上限で、必ず終了する
func (o *Orchestrator) converge(ctx context.Context, sess *camera.Session, logger *slog.Logger) error {
	ae := o.policy.AutoExposure
	for i := 0; i < ae.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := sess.Device().Retrieve(ctx, o.policy.Timeout)
		if errors.Is(err, camera.ErrNoFrame) {
			logger.Debug("自動露出の収束中にフレームを取得できませんでした", "sample", i)
			continue
		}
		if err != nil {
			return err
		}

		if ae.Strategy != StrategyThreshold {
			continue
		}
		brightness := MeanBrightness(frame)
		logger.Debug("自動露出の収束中", "sample", i, "brightness", brightness)
		if math.Abs(brightness-ae.Brightness) < ae.Threshold {
			// 目標に達したので露出を固定する
			return setEnumIfAvailable(ctx, sess, camera.PropExposureAuto, camera.EnumOff, logger)
		}
	}
	return nil
}

// applyImageSettings はホワイトバランスとガンマを設定する（対応していない場合は無視する）
func (o *Orchestrator) applyImageSettings(ctx context.Context, sess *camera.Session, gamma float64, logger *slog.Logger) error {
	if err := setEnumIfAvailable(ctx, sess, camera.PropBalanceWhiteAuto, camera.EnumOff, logger); err != nil {
		return err
	}
	if gamma <= 0 {
		return nil
	}

	prop, err := sess.Device().GetNumber(ctx, camera.PropGamma)
	if errors.Is(err, camera.ErrPropertyUnavailable) {
		logger.Debug("ガンマを設定できないデバイスです")
		return nil
	}
	if err != nil {
		return err
	}
	value := prop.Clamp(gamma)
	if value == prop.Value {
		return nil
	}
	return sess.Device().SetNumber(ctx, camera.PropGamma, value)
}

func setEnumIfAvailable(ctx context.Context, sess *camera.Session, name, value string, logger *slog.Logger) error {
	err := sess.Device().SetEnum(ctx, name, value)
	if errors.Is(err, camera.ErrPropertyUnavailable) {
		logger.Debug("プロパティに対応していないデバイスです", "property", name)
		return nil
	}
	return err
}

// MeanBrightness は画像の平均輝度 (0..1) を求める
func MeanBrightness(img image.Image) float64 {
	hist := imaging.Histogram(img)
	var mean float64
	for level, ratio := range hist {
		mean += float64(level) * ratio
	}
	return mean / 255
}

// Rotate は画像を時計回りに回転する
func Rotate(img image.Image, rotation int) image.Image {
	switch rotation {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	}
	return img
}
