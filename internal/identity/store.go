package identity

import (
	"sort"
	"sync"

	"camarray/internal/apperr"
	"camarray/internal/camera"
	"camarray/internal/fsx"
)

// LogicalCamera は永続化された論理カメラ
type LogicalCamera struct {
	Identity        string            `json:"identity"`
	Fingerprint     camera.Attributes `json:"fingerprint"`
	Rotation        int               `json:"rotation"`
	DefaultExposure camera.Exposure   `json:"exposure_time"`
	DefaultGamma    float64           `json:"gamma"`
	Order           int               `json:"cam_idx"` // 設定時の列挙順（一覧の並び順にのみ使う）
}

// Store は論理カメラをJSONファイルに保存する
// ファイルはカメラ名をキーとするオブジェクト
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore は新しいStoreを作成する
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path は保存先を返す
func (s *Store) Path() string {
	return s.path
}

// Load は保存済みのカメラを読み込む
func (s *Store) Load() (map[string]LogicalCamera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update は読み込み、変更、書き込みを排他的に行う
// fn がエラーを返した場合は書き込まない
func (s *Store) Update(fn func(cams map[string]LogicalCamera) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cams, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(cams); err != nil {
		return err
	}
	return s.save(cams)
}

func (s *Store) load() (map[string]LogicalCamera, error) {
	cams := make(map[string]LogicalCamera)
	if _, err := fsx.ReadJSON(s.path, &cams); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "カメラ設定の読み込みに失敗")
	}
	if cams == nil {
		cams = make(map[string]LogicalCamera)
	}
	// キーと identity の不整合はキーを正とする
	for key, cam := range cams {
		if cam.Identity != key {
			cam.Identity = key
			cams[key] = cam
		}
	}
	return cams, nil
}

func (s *Store) save(cams map[string]LogicalCamera) error {
	if err := fsx.WriteJSONAtomic(s.path, cams); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "カメラ設定の保存に失敗")
	}
	return nil
}

// sorted は並び順（cam_idx、名前）でソートした一覧を返す
func sorted(cams map[string]LogicalCamera) []LogicalCamera {
	list := make([]LogicalCamera, 0, len(cams))
	for _, cam := range cams {
		list = append(list, cam)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].Identity < list[j].Identity
	})
	return list
}
