// Package results はカメラごとの撮影結果の履歴と画像ファイルを保存する
//
// <dir>/results.json にカメラ名をキーとした結果の一覧（古い順）を、
// <dir>/images/ に成功した撮影の画像を保存する。
// 一覧は max_result_num 件を上限とし、古いものから画像ごと削除する。
package results

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"camarray/internal/apperr"
	"camarray/internal/capture"
	"camarray/internal/fsx"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	indexFile = "results.json"
	imagesDir = "images"
)

// writeIndex は一覧の書き込み処理（テストで差し替える）
var writeIndex = fsx.WriteJSONAtomic

// Store は撮影結果を保存する
type Store struct {
	dir    string
	maxNum int
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore は新しいStoreを作成する
func NewStore(dir string, maxNum int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if maxNum < 1 {
		maxNum = 1
	}
	return &Store{
		dir:    dir,
		maxNum: maxNum,
		logger: logger,
	}
}

// Dir は保存先ディレクトリを返す
func (s *Store) Dir() string {
	return s.dir
}

// IndexPath は結果一覧のファイルパスを返す
func (s *Store) IndexPath() string {
	return filepath.Join(s.dir, indexFile)
}

// ImagesDir は画像の保存先を返す
func (s *Store) ImagesDir() string {
	return filepath.Join(s.dir, imagesDir)
}

// Save は成功した結果の画像を書き出してから結果を追加する
//
// 画像の書き出しに失敗した場合は失敗した結果として記録し、エラーを返す。
func (s *Store) Save(identity string, res capture.Result, img image.Image) (capture.Result, error) {
	var saveErr error
	if res.Success && img != nil {
		path, err := s.writeImage(identity, res.Timestamp, img)
		if err != nil {
			saveErr = apperr.Wrap(apperr.KindIO, err, "画像の保存に失敗")
			msg := saveErr.Error()
			res.Success = false
			res.ImagePath = nil
			res.ErrorMsg = &msg
		} else {
			res.ImagePath = &path
		}
	} else {
		res.ImagePath = nil
	}

	if err := s.Append(identity, res); err != nil {
		return res, errors.Join(saveErr, err)
	}
	return res, saveErr
}

func (s *Store) writeImage(identity, timestamp string, img image.Image) (string, error) {
	if err := os.MkdirAll(s.ImagesDir(), 0o755); err != nil {
		return "", fmt.Errorf("画像ディレクトリの作成に失敗: %w", err)
	}

	ts, err := time.ParseInLocation(capture.TimestampLayout, timestamp, time.Local)
	if err != nil {
		ts = time.Now()
	}
	// 同じ秒に複数枚撮影しても衝突しないよう UUID の先頭8文字を付ける
	name := fmt.Sprintf("%s_%s_%s.png", identity, ts.Format("20060102_150405"), strings.Split(uuid.NewString(), "-")[0])
	path := filepath.Join(s.ImagesDir(), name)

	if err := imaging.Save(img, path); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("画像のエンコードに失敗: %w", err)
	}
	return path, nil
}

// Append は結果を履歴の末尾に追加し、上限を超えた古い結果を削除する
func (s *Store) Append(identity string, res capture.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	history := append(all[identity], res)
	var evicted []capture.Result
	if surplus := len(history) - s.maxNum; surplus > 0 {
		evicted = history[:surplus]
		history = append([]capture.Result(nil), history[surplus:]...)
	}
	all[identity] = history

	// 一覧を書き込めなかった場合は古い画像を残す
	if err := s.save(all); err != nil {
		return err
	}
	for _, old := range evicted {
		s.removeImage(old)
	}
	return nil
}

// removeImage は結果の画像を削除する。失敗しても処理は続ける
func (s *Store) removeImage(res capture.Result) {
	if res.ImagePath == nil {
		return
	}
	if err := os.Remove(*res.ImagePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("古い画像の削除に失敗しました", "identity", res.Identity, "path", *res.ImagePath, "error", err)
	}
}

// Latest は最新の結果を返す
func (s *Store) Latest(identity string) (capture.Result, error) {
	history, err := s.History(identity)
	if err != nil {
		return capture.Result{}, err
	}
	if len(history) == 0 {
		return capture.Result{}, apperr.New(apperr.KindNotFound, "カメラ %q の撮影結果がありません", identity)
	}
	return history[len(history)-1], nil
}

// History は古い順の結果一覧を返す
func (s *Store) History(identity string) ([]capture.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return all[identity], nil
}

// All はすべてのカメラの結果を返す
func (s *Store) All() (map[string][]capture.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// RemoveAll は結果と画像をすべて削除する
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "撮影結果の削除に失敗")
	}
	return nil
}

// RenameIdentity は履歴を新しいカメラ名へ移す
// 画像ファイル名は変更しない
func (s *Store) RenameIdentity(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	history, ok := all[oldName]
	if !ok {
		return nil
	}

	for i := range history {
		history[i].Identity = newName
	}
	delete(all, oldName)
	all[newName] = history

	return s.save(all)
}

func (s *Store) load() (map[string][]capture.Result, error) {
	all := make(map[string][]capture.Result)
	if _, err := fsx.ReadJSON(s.IndexPath(), &all); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "撮影結果の読み込みに失敗")
	}
	if all == nil {
		all = make(map[string][]capture.Result)
	}
	return all, nil
}

func (s *Store) save(all map[string][]capture.Result) error {
	if err := writeIndex(s.IndexPath(), all); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "撮影結果の保存に失敗")
	}
	return nil
}
