// Package qrcode は1枚の画像から複数のQRコードを読み取る
package qrcode

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
)

// Detection は1つのQRコードの検出結果
type Detection struct {
	Text   string
	Bounds image.Rectangle // コード全体を覆う領域
}

// Detector は画像から最大1つのQRコードを検出する
// 見つからない場合は false を返す
type Detector interface {
	Detect(img image.Image) (Detection, bool, error)
}

// ZXingDetector は gozxing の QR リーダーを使うDetector
type ZXingDetector struct {
	tryHarder bool
}

// NewZXingDetector は新しいZXingDetectorを作成する
func NewZXingDetector(tryHarder bool) *ZXingDetector {
	return &ZXingDetector{tryHarder: tryHarder}
}

// Detect はQRコードを1つ読み取る
func (d *ZXingDetector) Detect(img image.Image) (Detection, bool, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return Detection{}, false, fmt.Errorf("二値画像の作成に失敗: %w", err)
	}

	var hints map[gozxing.DecodeHintType]interface{}
	if d.tryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		}
	}

	res, err := zxqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		// 未検出、チェックサム不一致、形式不正はいずれも「読めなかった」として扱う
		var rex gozxing.ReaderException
		if errors.As(err, &rex) {
			return Detection{}, false, nil
		}
		return Detection{}, false, fmt.Errorf("QRコードの読み取りに失敗: %w", err)
	}

	return Detection{
		Text:   res.GetText(),
		Bounds: boundsFromPoints(res.GetResultPoints()),
	}, true, nil
}

// boundsFromPoints はファインダーパターンの中心からコード全体の領域を推定する
//
// 中心はコードの外周から 3.5 モジュール内側にある。
// 最小のバージョン (21 モジュール) では中心間が 14 モジュールなので、その 1/4 を外側へ広げる。
func boundsFromPoints(points []gozxing.ResultPoint) image.Rectangle {
	if len(points) == 0 {
		return image.Rectangle{}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.GetX())
		minY = math.Min(minY, p.GetY())
		maxX = math.Max(maxX, p.GetX())
		maxY = math.Max(maxY, p.GetY())
	}

	margin := math.Max(maxX-minX, maxY-minY) / 4
	return image.Rect(
		int(math.Floor(minX-margin)),
		int(math.Floor(minY-margin)),
		int(math.Ceil(maxX+margin)),
		int(math.Ceil(maxY+margin)),
	)
}
