package qrcode

import (
	"errors"
	"image"
	"image/color"
	"io/fs"
	"log/slog"
	"sort"

	"camarray/internal/apperr"

	"github.com/disintegration/imaging"
)

// Options はMultiDetectorの設定
type Options struct {
	MaxIterations int // 検出の最大回数
	Padding       int // 塗りつぶす領域の余白（ピクセル）
}

// MultiDetector は1つずつ検出しては塗りつぶすことで、複数のQRコードを読み取る
type MultiDetector struct {
	detector Detector
	opts     Options
	logger   *slog.Logger
}

// NewMultiDetector は新しいMultiDetectorを作成する
func NewMultiDetector(detector Detector, opts Options, logger *slog.Logger) *MultiDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}
	if opts.Padding < 0 {
		opts.Padding = 0
	}
	return &MultiDetector{
		detector: detector,
		opts:     opts,
		logger:   logger,
	}
}

// Decode は画像に含まれるQRコードの文字列を重複なしで昇順に返す
// 元の画像は変更しない
func (m *MultiDetector) Decode(img image.Image) ([]string, error) {
	work := imaging.Clone(img)
	bounds := work.Bounds()
	found := make(map[string]struct{})

	capped := true
	for i := 0; i < m.opts.MaxIterations; i++ {
		det, ok, err := m.detector.Detect(work)
		if err != nil {
			return nil, err
		}
		if !ok {
			capped = false
			break
		}
		found[det.Text] = struct{}{}

		if det.Bounds.Empty() {
			m.logger.Debug("検出領域の面積が0のため終了します", "text", det.Text)
			capped = false
			break
		}
		region := det.Bounds.Inset(-m.opts.Padding).Intersect(bounds)
		if region.Empty() {
			m.logger.Debug("検出領域が画像の外にあるため終了します", "text", det.Text)
			capped = false
			break
		}

		// 読み取ったコードを黒で塗りつぶし、次の検出から外す
		work = imaging.Paste(work, imaging.New(region.Dx(), region.Dy(), color.Black), region.Min)
	}
	if capped {
		m.logger.Warn("QRコード検出の上限回数に達しました", "max_iterations", m.opts.MaxIterations, "found", len(found))
	}

	texts := make([]string, 0, len(found))
	for text := range found {
		texts = append(texts, text)
	}
	sort.Strings(texts)
	return texts, nil
}

// DecodeFile は画像ファイルを開いてQRコードを読み取る
func (m *MultiDetector) DecodeFile(path string) ([]string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "画像ファイル %s がありません", path)
		}
		return nil, apperr.Wrap(apperr.KindValidation, err, "画像ファイル %s を読み込めません", path)
	}
	return m.Decode(img)
}
