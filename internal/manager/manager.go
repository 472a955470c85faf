// Package manager はカメラアレイの操作をまとめる
//
// 設定、一覧、撮影、結果の参照、名前や既定値の変更、QRコードの読み取りを提供し、
// CLI と REST API の両方から使われる。
//
// 撮影は読み取りロック、設定を書き換える操作は書き込みロックを取るため、
// 撮影中に再設定や名前変更が割り込むことはない。
// 同じデバイスのハンドルはデバイスごとのロックで直列化する。
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"camarray/internal/apperr"
	"camarray/internal/camera"
	"camarray/internal/capture"
	"camarray/internal/config"
	"camarray/internal/identity"
	"camarray/internal/qrcode"
	"camarray/internal/results"
)

// Manager はカメラアレイを管理する
type Manager struct {
	array        *camera.Array
	resolver     *identity.Resolver
	results      *results.Store
	orchestrator *capture.Orchestrator
	qr           *qrcode.MultiDetector
	logger       *slog.Logger

	missingPolicy     identity.MissingPolicy
	maxImageNum       int
	concurrent        bool
	releaseAfterBatch bool

	mu sync.RWMutex

	lockMu      sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

// NewFromConfig は設定からバックエンドを作成してManagerを作る
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	backend, err := camera.NewBackendFactory().Create(cfg.Camera.Backend, camera.BackendConfig{
		MockDevices: cfg.Camera.MockDevices,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "バックエンドの作成に失敗")
	}
	return New(cfg, backend, logger)
}

// New は新しいManagerを作成する
func New(cfg *config.Config, backend camera.Backend, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := camera.NewSchema(cfg.Camera.InfoFields)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "指紋のスキーマが不正です")
	}
	defaultExposure, err := camera.ParseExposure(cfg.Camera.DefaultExposure)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "default_exposure が不正です")
	}

	policy := identity.PolicyDropMissing
	if cfg.Camera.KeepMissing {
		policy = identity.PolicyKeepMissing
	}

	m := &Manager{
		array: camera.NewArray(backend, schema, logger.With("component", "array")),
		resolver: identity.NewResolver(
			identity.NewStore(cfg.Data.PathJSON),
			cfg.Camera.MatchKeys,
			identity.Defaults{Exposure: defaultExposure, Gamma: cfg.Camera.DefaultGamma},
			logger.With("component", "identity"),
		),
		results: results.NewStore(cfg.Results.Dir, cfg.Results.MaxResultNum, logger.With("component", "results")),
		orchestrator: capture.New(capture.Policy{
			MaxAttempts: cfg.Grab.MaxAttempts,
			Timeout:     cfg.Grab.Timeout,
			AutoExposure: capture.AutoExposurePolicy{
				Strategy:   capture.Strategy(cfg.Grab.AutoExposure.Strategy),
				Brightness: cfg.Grab.AutoExposure.Brightness,
				Samples:    cfg.Grab.AutoExposure.Samples,
				Threshold:  cfg.Grab.AutoExposure.Threshold,
			},
		}, logger.With("component", "capture")),
		qr: qrcode.NewMultiDetector(
			qrcode.NewZXingDetector(cfg.QRCode.TryHarder),
			qrcode.Options{MaxIterations: cfg.QRCode.MaxIterations, Padding: cfg.QRCode.Padding},
			logger.With("component", "qrcode"),
		),
		logger:            logger,
		missingPolicy:     policy,
		maxImageNum:       cfg.Grab.MaxImageNum,
		concurrent:        cfg.Grab.Concurrent,
		releaseAfterBatch: cfg.Grab.ReleaseAfterBatch,
		deviceLocks:       make(map[string]*sync.Mutex),
	}
	return m, nil
}

// MissingPolicy は設定ファイルで指定された、見つからないカメラの扱い
func (m *Manager) MissingPolicy() identity.MissingPolicy {
	return m.missingPolicy
}

// MaxImageNum は1回の撮影で取得できる最大枚数を返す
func (m *Manager) MaxImageNum() int {
	return m.maxImageNum
}

// deviceLock はデバイスごとのロックを返す
func (m *Manager) deviceLock(path string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	mu, ok := m.deviceLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		m.deviceLocks[path] = mu
	}
	return mu
}

// reconcile はデバイスを列挙し直して保存済みのカメラと突き合わせる
// 曖昧な組は結果に含め、エラーにはしない
func (m *Manager) reconcile(ctx context.Context) (*identity.Reconciliation, error) {
	current, err := m.array.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := m.resolver.Reconcile(ctx, current)
	var ambiguous *identity.AmbiguityError
	if err != nil && !errors.As(err, &ambiguous) {
		return nil, err
	}
	return rec, nil
}

// Configure は接続中のデバイスからカメラを設定し直す
// 以前の撮影結果はすべて削除する
func (m *Manager) Configure(ctx context.Context, policy identity.MissingPolicy) ([]identity.LogicalCamera, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.array.Load(ctx)
	if err != nil {
		return nil, err
	}
	cams, err := m.resolver.Configure(ctx, current, policy)
	if err != nil {
		return nil, err
	}
	if err := m.results.RemoveAll(); err != nil {
		return cams, err
	}

	m.logger.Info("カメラを設定しました", "cameras", len(cams), "devices", len(current))
	return cams, nil
}

// List は設定済みのカメラを返す
func (m *Manager) List(ctx context.Context) ([]identity.LogicalCamera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolver.List(ctx)
}

// CameraStatus は設定済みカメラの接続状況
type CameraStatus struct {
	Identity  string            `json:"identity"`
	Connected bool              `json:"connected"`
	Path      string            `json:"path,omitempty"`
	Rotation  int               `json:"rotation"`
	Exposure  camera.Exposure   `json:"exposure_time"`
	Gamma     float64           `json:"gamma"`
	Reason    string            `json:"reason,omitempty"`
	Details   camera.Attributes `json:"fingerprint"`
}

// CheckReport は設定と接続中のデバイスの比較結果
type CheckReport struct {
	Cameras      []CameraStatus          `json:"cameras"`
	Unconfigured []camera.PhysicalCamera `json:"unconfigured"`
	Ambiguities  []identity.Ambiguity    `json:"ambiguities"`
}

// Check は設定済みのカメラが現在接続されているかを調べる
func (m *Manager) Check(ctx context.Context) (*CheckReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cams, err := m.resolver.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		return nil, apperr.New(apperr.KindConfigurationRequired, "カメラが設定されていません")
	}

	rec, err := m.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	report := &CheckReport{
		Cameras:      make([]CameraStatus, 0, len(cams)),
		Unconfigured: rec.UnmatchedPhysical,
		Ambiguities:  rec.Ambiguities,
	}
	if report.Unconfigured == nil {
		report.Unconfigured = []camera.PhysicalCamera{}
	}
	if report.Ambiguities == nil {
		report.Ambiguities = []identity.Ambiguity{}
	}

	for _, cam := range cams {
		status := CameraStatus{
			Identity: cam.Identity,
			Rotation: cam.Rotation,
			Exposure: cam.DefaultExposure,
			Gamma:    cam.DefaultGamma,
			Details:  cam.Fingerprint,
		}
		pc, err := rec.Lookup(cam.Identity)
		if err != nil {
			status.Reason = err.Error()
		} else {
			status.Connected = true
			status.Path = pc.Path
		}
		report.Cameras = append(report.Cameras, status)
	}
	return report, nil
}

// Latest は最新の撮影結果を返す
func (m *Manager) Latest(ctx context.Context, id string) (capture.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.resolver.Get(ctx, id); err != nil {
		return capture.Result{}, err
	}
	return m.results.Latest(id)
}

// History は撮影結果の履歴（古い順）を返す
func (m *Manager) History(ctx context.Context, id string) ([]capture.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.resolver.Get(ctx, id); err != nil {
		return nil, err
	}
	history, err := m.results.History(id)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []capture.Result{}
	}
	return history, nil
}

// AllResults はすべてのカメラの撮影結果をカメラ名ごとに返す
func (m *Manager) AllResults(_ context.Context) (map[string][]capture.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.results.All()
}

// Rename はカメラ名を変更し、撮影結果の履歴も新しい名前へ移す
func (m *Manager) Rename(ctx context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resolver.Rename(ctx, oldID, newID); err != nil {
		return err
	}
	if err := m.results.RenameIdentity(oldID, newID); err != nil {
		// 履歴を移せなかった場合はカメラ名も元に戻す
		if rerr := m.resolver.Rename(ctx, newID, oldID); rerr != nil {
			m.logger.Error("カメラ名を元に戻せませんでした", "old", oldID, "new", newID, "error", rerr)
			return errors.Join(fmt.Errorf("撮影結果の移行に失敗: %w", err), rerr)
		}
		return fmt.Errorf("撮影結果の移行に失敗: %w", err)
	}
	m.logger.Info("カメラ名を変更しました", "old", oldID, "new", newID)
	return nil
}

// SetDefaultExposure は撮影時の既定の露出を設定する
func (m *Manager) SetDefaultExposure(ctx context.Context, id string, exp camera.Exposure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.SetDefaultExposure(ctx, id, exp)
}

// SetDefaultRotation は画像の回転角を設定する
func (m *Manager) SetDefaultRotation(ctx context.Context, id string, rotation int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.SetDefaultRotation(ctx, id, rotation)
}

// RemoveAllResults は撮影結果と画像をすべて削除する
func (m *Manager) RemoveAllResults(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results.RemoveAll()
}

// DecodeQR は画像ファイルからQRコードを読み取る
func (m *Manager) DecodeQR(_ context.Context, path string) ([]string, error) {
	return m.qr.DecodeFile(path)
}

// QRDetector はQRコードの読み取りを返す（アップロードされた画像用）
func (m *Manager) QRDetector() *qrcode.MultiDetector {
	return m.qr
}

// Close は全デバイスのハンドルを解放する
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.array.Close()
}
