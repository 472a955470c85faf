package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"camarray/internal/apperr"
)

// PhysicalCamera は現在接続されているデバイス
// 列挙順は接続のたびに変わりうるため、識別には Fingerprint を使う
type PhysicalCamera struct {
	Index       int        `json:"index"`
	Path        string     `json:"path"`
	Fingerprint Attributes `json:"fingerprint"`
}

// Array は接続中のカメラ群とそのハンドルを管理する
//
// Load で最新の列挙結果を取り込み、そこに含まれるデバイスに対してのみ Session を払い出す。
// 見えなくなったデバイスのハンドルは Load 時に解放する。
type Array struct {
	backend Backend
	schema  *Schema
	logger  *slog.Logger

	mu       sync.RWMutex
	present  map[string]PhysicalCamera
	infos    map[string]DeviceInfo
	sessions map[string]*Session
}

// NewArray は新しいArrayを作成する
func NewArray(backend Backend, schema *Schema, logger *slog.Logger) *Array {
	if logger == nil {
		logger = slog.Default()
	}
	return &Array{
		backend:  backend,
		schema:   schema,
		logger:   logger,
		present:  make(map[string]PhysicalCamera),
		infos:    make(map[string]DeviceInfo),
		sessions: make(map[string]*Session),
	}
}

// Schema は指紋のスキーマを返す
func (a *Array) Schema() *Schema {
	return a.schema
}

// Load はデバイスを列挙し直し、現在のカメラ一覧を列挙順に返す
func (a *Array) Load(ctx context.Context) ([]PhysicalCamera, error) {
	infos, err := a.backend.ScanDevices(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindHardwareException, err, "デバイスの列挙に失敗")
	}

	cameras := make([]PhysicalCamera, 0, len(infos))
	present := make(map[string]PhysicalCamera, len(infos))
	byPath := make(map[string]DeviceInfo, len(infos))
	for _, info := range infos {
		pc := PhysicalCamera{
			Index:       info.Index,
			Path:        info.Path,
			Fingerprint: a.schema.Resolve(info),
		}
		cameras = append(cameras, pc)
		present[pc.Path] = pc
		byPath[pc.Path] = info
	}
	sort.SliceStable(cameras, func(i, j int) bool { return cameras[i].Index < cameras[j].Index })

	a.mu.Lock()
	defer a.mu.Unlock()

	// 存在しなくなった、または別のデバイスに置き換わったハンドルを解放
	for path, sess := range a.sessions {
		now, ok := present[path]
		if ok && now.Fingerprint.Equal(a.present[path].Fingerprint, a.schema.Names()) {
			continue
		}
		if err := sess.Close(); err != nil {
			a.logger.Warn("ハンドルの解放に失敗", "path", path, "error", err)
		}
		delete(a.sessions, path)
		a.logger.Debug("デバイスが見つからないためハンドルを解放しました", "path", path)
	}
	a.present = present
	a.infos = byPath

	return cameras, nil
}

// Session は列挙済みのデバイスに対するハンドルを返す
// 同じデバイスには同じSessionを返す
func (a *Array) Session(pc PhysicalCamera) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, ok := a.infos[pc.Path]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "デバイス %s は接続されていません", pc.Path)
	}
	if sess, ok := a.sessions[pc.Path]; ok {
		return sess, nil
	}

	dev, err := a.backend.NewDevice(info)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindHardwareException, err, "デバイス %s のハンドル作成に失敗", pc.Path)
	}
	sess := NewSession(dev)
	a.sessions[pc.Path] = sess
	return sess, nil
}

// StopAll は全デバイスの取得を停止する（ハンドルは保持する）
func (a *Array) StopAll() {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for path, sess := range a.sessions {
		if err := sess.StopStreaming(); err != nil {
			a.logger.Warn("取得の停止に失敗", "path", path, "error", err)
		}
	}
}

// Close は全ハンドルを解放する
func (a *Array) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closeErrors []error
	for path, sess := range a.sessions {
		if err := sess.Close(); err != nil {
			closeErrors = append(closeErrors, fmt.Errorf("デバイス %s の解放に失敗: %w", path, err))
		}
	}
	a.sessions = make(map[string]*Session)

	if len(closeErrors) > 0 {
		return fmt.Errorf("一部のデバイス解放に失敗: %v", closeErrors)
	}
	return nil
}
