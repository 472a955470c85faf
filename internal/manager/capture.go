package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"camarray/internal/apperr"
	"camarray/internal/camera"
	"camarray/internal/capture"
	"camarray/internal/identity"

	"golang.org/x/sync/errgroup"
)

// CaptureRequest は撮影要求
type CaptureRequest struct {
	// 撮影するカメラ。空の場合は設定済みの全カメラ
	Identities []string
	// 露出。空の場合は各カメラの既定値、1つの場合は全画像に共通、Count 個の場合は画像ごと
	Exposures []camera.Exposure
	// 1台あたりの枚数
	Count int
}

// target は撮影対象のカメラ
type target struct {
	cam     identity.LogicalCamera
	session *camera.Session
	path    string
	err     error // デバイスが見つからない場合
}

// Capture は複数のカメラで Count 枚ずつ撮影する
//
// 結果は (画像番号, カメラ) の順に並ぶ。1台の失敗は他のカメラの撮影を止めず、失敗した結果として返る。
// 結果の保存に失敗した場合は、得られた結果とあわせてエラーを返す。
func (m *Manager) Capture(ctx context.Context, req CaptureRequest) ([]capture.Result, error) {
	if req.Count < 1 || req.Count > m.maxImageNum {
		return nil, apperr.New(apperr.KindValidation, "枚数は 1 から %d の範囲で指定してください: %d", m.maxImageNum, req.Count)
	}
	if n := len(req.Exposures); n > 1 && n != req.Count {
		return nil, apperr.New(apperr.KindValidation, "露出の数 (%d) は 1 または枚数 (%d) と一致する必要があります", n, req.Count)
	}
	for _, exp := range req.Exposures {
		if exp.Mode == camera.ExposureHDR {
			return nil, apperr.New(apperr.KindNotImplemented, "hdr 露出には対応していません")
		}
		if exp.Mode == camera.ExposureFixed && exp.Micros < 0 {
			return nil, apperr.New(apperr.KindValidation, "露出時間は0以上である必要があります: %d", exp.Micros)
		}
	}
	ids, err := uniqueIdentities(req.Identities)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	targets, err := m.prepareTargets(ctx, ids)
	if err != nil {
		return nil, err
	}
	if m.releaseAfterBatch {
		defer m.array.StopAll()
	}

	out := make([]capture.Result, 0, req.Count*len(targets))
	var saveErrs []error
	var saveMu sync.Mutex

	for img := 0; img < req.Count; img++ {
		round := make([]capture.Result, len(targets))

		g, gctx := errgroup.WithContext(ctx)
		if m.concurrent {
			g.SetLimit(len(targets))
		} else {
			g.SetLimit(1)
		}
		for i, t := range targets {
			exp := exposureFor(req.Exposures, img, t.cam.DefaultExposure)
			g.Go(func() error {
				res, err := m.grabOne(gctx, t, exp)
				round[i] = res
				if err != nil {
					saveMu.Lock()
					saveErrs = append(saveErrs, err)
					saveMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		out = append(out, round...)
	}

	if err := errors.Join(saveErrs...); err != nil {
		return out, err
	}
	return out, nil
}

// grabOne は1台で1枚撮影して保存する
// 返すエラーは保存の失敗のみで、撮影の失敗は結果に含める
func (m *Manager) grabOne(ctx context.Context, t target, exp camera.Exposure) (capture.Result, error) {
	if t.err != nil {
		res := capture.FailedResult(t.cam.Identity, exp, t.cam.Rotation, time.Now(), t.err)
		return m.results.Save(t.cam.Identity, res, nil)
	}

	lock := m.deviceLock(t.path)
	lock.Lock()
	outcome := m.orchestrator.Grab(ctx, t.session, capture.Request{
		Identity: t.cam.Identity,
		Exposure: exp,
		Gamma:    t.cam.DefaultGamma,
		Rotation: t.cam.Rotation,
		Log:      true,
	})
	lock.Unlock()

	return m.results.Save(t.cam.Identity, outcome.Result, outcome.Image)
}

// prepareTargets は撮影対象のカメラとデバイスを対応付ける
func (m *Manager) prepareTargets(ctx context.Context, ids []string) ([]target, error) {
	cams, err := m.resolver.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		return nil, apperr.New(apperr.KindConfigurationRequired, "カメラが設定されていません")
	}

	byID := make(map[string]identity.LogicalCamera, len(cams))
	for _, cam := range cams {
		byID[cam.Identity] = cam
	}

	var selected []identity.LogicalCamera
	if len(ids) == 0 {
		selected = cams
	} else {
		for _, id := range ids {
			cam, ok := byID[id]
			if !ok {
				return nil, apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", id)
			}
			selected = append(selected, cam)
		}
	}

	current, err := m.array.Load(ctx)
	if err != nil {
		return nil, err
	}

	// 接続されていないカメラや曖昧なカメラは失敗した結果として記録する
	targets := make([]target, 0, len(selected))
	for _, cam := range selected {
		t := target{cam: cam}
		pc, resolved, err := m.resolver.Resolve(ctx, cam.Identity, current)
		if err != nil {
			t.err = err
			m.logger.Warn("カメラに対応するデバイスがありません", "identity", cam.Identity, "error", err)
			targets = append(targets, t)
			continue
		}

		t.cam = resolved
		if sess, err := m.array.Session(pc); err != nil {
			t.err = err
		} else {
			t.session = sess
			t.path = pc.Path
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// exposureFor は画像番号に対応する露出を返す
func exposureFor(exposures []camera.Exposure, img int, fallback camera.Exposure) camera.Exposure {
	switch len(exposures) {
	case 0:
		return fallback
	case 1:
		return exposures[0]
	}
	return exposures[img]
}

// uniqueIdentities は名前を検証し、重複を除いて順序を保ったまま返す
func uniqueIdentities(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := identity.ValidateIdentity(id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique, nil
}
