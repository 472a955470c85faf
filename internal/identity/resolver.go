// Package identity は列挙順に依存しないカメラの識別を担う
//
// 接続中のデバイスの指紋（照合キーに挙げた属性）を、保存済みの論理カメラの指紋と突き合わせる。
// 一致が一対一にならない場合は曖昧さとして報告し、任意に選ぶことはしない。
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"camarray/internal/apperr"
	"camarray/internal/camera"
)

// MissingPolicy は再設定時に見つからなかった既存カメラの扱い
type MissingPolicy int

const (
	PolicyKeepMissing MissingPolicy = iota // 設定を残す
	PolicyDropMissing                      // 設定から削除する
)

// Defaults は新しく見つかったカメラに与える初期値
type Defaults struct {
	Exposure camera.Exposure
	Gamma    float64
}

// forbiddenChars はカメラ名に使えない文字（ファイル名に使われるため）
const forbiddenChars = `<>:"/\|?*`

// Resolver は論理カメラと物理デバイスの対応付けを行う
type Resolver struct {
	store     *Store
	matchKeys []string
	defaults  Defaults
	logger    *slog.Logger
}

// NewResolver は新しいResolverを作成する
func NewResolver(store *Store, matchKeys []string, defaults Defaults, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		matchKeys: matchKeys,
		defaults:  defaults,
		logger:    logger,
	}
}

// Ambiguity は一対一に対応付けられなかった論理カメラとデバイスの組
type Ambiguity struct {
	Identities []string `json:"identities"`
	Paths      []string `json:"paths"`
}

// AmbiguityError は曖昧な対応付けを表す
type AmbiguityError struct {
	Ambiguities []Ambiguity
}

func (e *AmbiguityError) Error() string {
	parts := make([]string, 0, len(e.Ambiguities))
	for _, a := range e.Ambiguities {
		parts = append(parts, fmt.Sprintf("カメラ[%s] とデバイス[%s]", strings.Join(a.Identities, ","), strings.Join(a.Paths, ",")))
	}
	return "指紋の対応付けが曖昧です: " + strings.Join(parts, "; ")
}

// Reconciliation は対応付けの結果
type Reconciliation struct {
	Matched           map[string]camera.PhysicalCamera `json:"matched"`
	UnmatchedPhysical []camera.PhysicalCamera          `json:"unmatched_physical"`
	UnmatchedLogical  []string                         `json:"unmatched_logical"`
	Ambiguities       []Ambiguity                      `json:"ambiguities"`
}

// Lookup は論理カメラに対応するデバイスを返す
func (r *Reconciliation) Lookup(identity string) (camera.PhysicalCamera, error) {
	if pc, ok := r.Matched[identity]; ok {
		return pc, nil
	}
	for _, a := range r.Ambiguities {
		for _, id := range a.Identities {
			if id == identity {
				return camera.PhysicalCamera{}, apperr.Wrap(apperr.KindNotFound,
					&AmbiguityError{Ambiguities: []Ambiguity{a}}, "カメラ %s を一意に特定できません", identity)
			}
		}
	}
	return camera.PhysicalCamera{}, apperr.New(apperr.KindNotFound, "カメラ %s は接続されていません", identity)
}

// group は照合キーが等しい論理カメラとデバイスの集まり
type group struct {
	identities []string
	physical   []camera.PhysicalCamera
}

// groupKey は照合キーの値を1つの文字列にまとめる
// 照合は属性ごとの等価比較なので、キーが等しいことと Attributes.Equal は一致する
func (r *Resolver) groupKey(attrs camera.Attributes) string {
	var b strings.Builder
	for _, key := range r.matchKeys {
		if v := attrs[key]; v != nil {
			b.WriteString("=")
			b.WriteString(*v)
		} else {
			b.WriteString("!")
		}
		b.WriteByte(0)
	}
	return b.String()
}

// reconcile は保存済みのカメラと現在のデバイスを突き合わせる
func (r *Resolver) reconcile(persisted map[string]LogicalCamera, current []camera.PhysicalCamera) *Reconciliation {
	groups := make(map[string]*group)
	var keys []string
	get := func(key string) *group {
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			keys = append(keys, key)
		}
		return g
	}

	for _, cam := range sorted(persisted) {
		g := get(r.groupKey(cam.Fingerprint))
		g.identities = append(g.identities, cam.Identity)
	}
	for _, pc := range current {
		g := get(r.groupKey(pc.Fingerprint))
		g.physical = append(g.physical, pc)
	}

	rec := &Reconciliation{
		Matched:           make(map[string]camera.PhysicalCamera),
		UnmatchedPhysical: []camera.PhysicalCamera{},
		UnmatchedLogical:  []string{},
		Ambiguities:       []Ambiguity{},
	}
	for _, key := range keys {
		g := groups[key]
		switch {
		case len(g.identities) == 1 && len(g.physical) == 1:
			rec.Matched[g.identities[0]] = g.physical[0]
		case len(g.identities) <= 1 && len(g.physical) == 0:
			rec.UnmatchedLogical = append(rec.UnmatchedLogical, g.identities...)
		case len(g.identities) == 0 && len(g.physical) == 1:
			rec.UnmatchedPhysical = append(rec.UnmatchedPhysical, g.physical[0])
		default:
			a := Ambiguity{Identities: append([]string(nil), g.identities...)}
			for _, pc := range g.physical {
				a.Paths = append(a.Paths, pc.Path)
			}
			rec.Ambiguities = append(rec.Ambiguities, a)
		}
	}

	sort.Slice(rec.UnmatchedPhysical, func(i, j int) bool {
		return rec.UnmatchedPhysical[i].Index < rec.UnmatchedPhysical[j].Index
	})
	return rec
}

// Reconcile は保存済みのカメラと現在のデバイスを突き合わせる
// 曖昧な組がある場合も結果は返し、あわせて AmbiguityError（NotFound 種別）を返す
func (r *Resolver) Reconcile(_ context.Context, current []camera.PhysicalCamera) (*Reconciliation, error) {
	persisted, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	rec := r.reconcile(persisted, current)
	if len(rec.Ambiguities) > 0 {
		return rec, apperr.Wrap(apperr.KindNotFound, &AmbiguityError{Ambiguities: rec.Ambiguities}, "カメラの対応付けに失敗")
	}
	return rec, nil
}

// Resolve は論理カメラに対応する現在のデバイスと、その設定を返す
func (r *Resolver) Resolve(_ context.Context, identity string, current []camera.PhysicalCamera) (camera.PhysicalCamera, LogicalCamera, error) {
	persisted, err := r.store.Load()
	if err != nil {
		return camera.PhysicalCamera{}, LogicalCamera{}, err
	}
	if len(persisted) == 0 {
		return camera.PhysicalCamera{}, LogicalCamera{}, apperr.New(apperr.KindConfigurationRequired, "カメラが設定されていません")
	}
	cam, ok := persisted[identity]
	if !ok {
		return camera.PhysicalCamera{}, LogicalCamera{}, apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", identity)
	}

	pc, err := r.reconcile(persisted, current).Lookup(identity)
	if err != nil {
		return camera.PhysicalCamera{}, LogicalCamera{}, err
	}
	return pc, cam, nil
}

// Configure は現在のデバイスから論理カメラの設定を作り直して保存する
//
// 既存のカメラと一致したデバイスは名前と利用者が設定した値を引き継ぎ、指紋だけを更新する。
// 新しいデバイスには camera_N の名前と初期値を与える。
// 見つからなかった既存カメラは policy に従って残すか削除する。
// 対応付けが曖昧な場合は何も書き込まずにエラーを返す。
func (r *Resolver) Configure(_ context.Context, current []camera.PhysicalCamera, policy MissingPolicy) ([]LogicalCamera, error) {
	var result map[string]LogicalCamera

	err := r.store.Update(func(old map[string]LogicalCamera) error {
		rec := r.reconcile(old, current)
		if len(rec.Ambiguities) > 0 {
			return apperr.Wrap(apperr.KindNotFound, &AmbiguityError{Ambiguities: rec.Ambiguities}, "カメラを設定できません")
		}

		next := make(map[string]LogicalCamera, len(current))

		// 既存カメラと一致したデバイス
		for id, pc := range rec.Matched {
			cam := old[id]
			cam.Fingerprint = pc.Fingerprint.Clone()
			cam.Order = pc.Index
			next[id] = cam
		}

		// 見つからなかった既存カメラ
		if policy == PolicyKeepMissing {
			for _, id := range rec.UnmatchedLogical {
				next[id] = old[id]
			}
		} else {
			for _, id := range rec.UnmatchedLogical {
				r.logger.Info("見つからないカメラを設定から削除します", "identity", id)
			}
		}

		// 新しいデバイス
		for _, pc := range rec.UnmatchedPhysical {
			id := nextIdentity(next, pc.Index)
			next[id] = LogicalCamera{
				Identity:        id,
				Fingerprint:     pc.Fingerprint.Clone(),
				Rotation:        0,
				DefaultExposure: r.defaults.Exposure,
				DefaultGamma:    r.defaults.Gamma,
				Order:           pc.Index,
			}
			r.logger.Info("新しいカメラを追加しました", "identity", id, "path", pc.Path)
		}

		// 書き込む内容を差し替える
		for id := range old {
			delete(old, id)
		}
		for id, cam := range next {
			old[id] = cam
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sorted(result), nil
}

// nextIdentity は start から数えて未使用の camera_N を返す
func nextIdentity(taken map[string]LogicalCamera, start int) string {
	for n := start; ; n++ {
		id := fmt.Sprintf("camera_%d", n)
		if _, exists := taken[id]; !exists {
			return id
		}
	}
}

// List は保存済みのカメラを並び順で返す
func (r *Resolver) List(_ context.Context) ([]LogicalCamera, error) {
	cams, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	return sorted(cams), nil
}

// Get は保存済みのカメラを1台返す
func (r *Resolver) Get(_ context.Context, identity string) (LogicalCamera, error) {
	cams, err := r.store.Load()
	if err != nil {
		return LogicalCamera{}, err
	}
	if len(cams) == 0 {
		return LogicalCamera{}, apperr.New(apperr.KindConfigurationRequired, "カメラが設定されていません")
	}
	cam, ok := cams[identity]
	if !ok {
		return LogicalCamera{}, apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", identity)
	}
	return cam, nil
}

// ValidateIdentity はカメラ名として使えるかを検証する
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return apperr.New(apperr.KindValidation, "カメラ名が空です")
	}
	if strings.ContainsAny(identity, forbiddenChars) {
		return apperr.New(apperr.KindValidation, "カメラ名に使用できない文字が含まれています (%s): %q", forbiddenChars, identity)
	}
	for _, r := range identity {
		if r < 0x20 || r == 0x7f {
			return apperr.New(apperr.KindValidation, "カメラ名に制御文字が含まれています: %q", identity)
		}
	}
	return nil
}

// Rename はカメラ名を変更する
func (r *Resolver) Rename(_ context.Context, oldID, newID string) error {
	if err := ValidateIdentity(newID); err != nil {
		return err
	}
	return r.store.Update(func(cams map[string]LogicalCamera) error {
		cam, ok := cams[oldID]
		if !ok {
			return apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", oldID)
		}
		if _, exists := cams[newID]; exists {
			return apperr.New(apperr.KindValidation, "カメラ %s は既に存在します", newID)
		}
		delete(cams, oldID)
		cam.Identity = newID
		cams[newID] = cam
		return nil
	})
}

// SetDefaultExposure は撮影時に露出を省略した場合の値を設定する（固定値または auto）
func (r *Resolver) SetDefaultExposure(_ context.Context, identity string, exp camera.Exposure) error {
	if exp.Mode != camera.ExposureFixed && exp.Mode != camera.ExposureAuto {
		return apperr.New(apperr.KindValidation, "デフォルト露出は整数または auto である必要があります: %s", exp)
	}
	if exp.Mode == camera.ExposureFixed && exp.Micros < 0 {
		return apperr.New(apperr.KindValidation, "露出時間は0以上である必要があります: %d", exp.Micros)
	}
	return r.store.Update(func(cams map[string]LogicalCamera) error {
		cam, ok := cams[identity]
		if !ok {
			return apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", identity)
		}
		cam.DefaultExposure = exp
		cams[identity] = cam
		return nil
	})
}

// ValidateRotation は回転角が 0, 90, 180, 270 のいずれかであることを検証する
func ValidateRotation(rotation int) error {
	switch rotation {
	case 0, 90, 180, 270:
		return nil
	}
	return apperr.New(apperr.KindValidation, "回転角は 0, 90, 180, 270 のいずれかである必要があります: %d", rotation)
}

// SetDefaultRotation は画像の回転角を設定する
func (r *Resolver) SetDefaultRotation(_ context.Context, identity string, rotation int) error {
	if err := ValidateRotation(rotation); err != nil {
		return err
	}
	return r.store.Update(func(cams map[string]LogicalCamera) error {
		cam, ok := cams[identity]
		if !ok {
			return apperr.New(apperr.KindNotFound, "カメラ %s は設定されていません", identity)
		}
		cam.Rotation = rotation
		cams[identity] = cam
		return nil
	})
}
