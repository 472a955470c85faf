package qrcode

import (
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"camarray/internal/apperr"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
)

// fakeDetector は中心が黒く塗られていない最初の領域を検出する
type fakeDetector struct {
	codes []Detection
	calls int
}

func (f *fakeDetector) Detect(img image.Image) (Detection, bool, error) {
	f.calls++
	for _, c := range f.codes {
		center := image.Pt((c.Bounds.Min.X+c.Bounds.Max.X)/2, (c.Bounds.Min.Y+c.Bounds.Max.Y)/2)
		r, g, b, _ := img.At(center.X, center.Y).RGBA()
		if r != 0 || g != 0 || b != 0 {
			return c, true, nil
		}
	}
	return Detection{}, false, nil
}

// stuckDetector は常に同じ結果を返す
type stuckDetector struct {
	det   Detection
	calls int
}

func (s *stuckDetector) Detect(image.Image) (Detection, bool, error) {
	s.calls++
	return s.det, true, nil
}

// countingDetector は呼び出し回数を数える
type countingDetector struct {
	Detector
	calls int
}

func (c *countingDetector) Detect(img image.Image) (Detection, bool, error) {
	c.calls++
	return c.Detector.Detect(img)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func whiteImage(w, h int) image.Image {
	return imaging.New(w, h, color.White)
}

func TestMultiDetector_Decode(t *testing.T) {
	tests := []struct {
		name      string
		codes     []Detection
		want      []string
		wantCalls int
	}{
		{
			name:      "コードなし",
			codes:     nil,
			want:      []string{},
			wantCalls: 1,
		},
		{
			name: "1つ",
			codes: []Detection{
				{Text: "alpha", Bounds: image.Rect(10, 10, 40, 40)},
			},
			want:      []string{"alpha"},
			wantCalls: 2,
		},
		{
			name: "3つを昇順で返す",
			codes: []Detection{
				{Text: "gamma", Bounds: image.Rect(10, 10, 40, 40)},
				{Text: "alpha", Bounds: image.Rect(60, 10, 90, 40)},
				{Text: "beta", Bounds: image.Rect(10, 60, 40, 90)},
			},
			want:      []string{"alpha", "beta", "gamma"},
			wantCalls: 4,
		},
		{
			name: "同じ文字列は1つにまとめる",
			codes: []Detection{
				{Text: "same", Bounds: image.Rect(10, 10, 40, 40)},
				{Text: "same", Bounds: image.Rect(60, 60, 90, 90)},
			},
			want:      []string{"same"},
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &fakeDetector{codes: tt.codes}
			m := NewMultiDetector(det, Options{MaxIterations: 32, Padding: 4}, testLogger())

			got, err := m.Decode(whiteImage(100, 100))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %v, want %v", got, tt.want)
			}
			if det.calls != tt.wantCalls {
				t.Errorf("Detect の呼び出し回数 = %d, want %d", det.calls, tt.wantCalls)
			}
		})
	}
}

func TestMultiDetector_DoesNotModifyInput(t *testing.T) {
	img := imaging.New(50, 50, color.White)
	det := &fakeDetector{codes: []Detection{{Text: "x", Bounds: image.Rect(10, 10, 30, 30)}}}
	m := NewMultiDetector(det, Options{MaxIterations: 8, Padding: 2}, testLogger())

	if _, err := m.Decode(img); err != nil {
		t.Fatal(err)
	}
	if got := img.NRGBAAt(20, 20); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("入力画像が変更された: %v", got)
	}
}

func TestMultiDetector_StopsAtMaxIterations(t *testing.T) {
	// 塗りつぶしても同じ結果を返し続けるDetector
	det := &stuckDetector{det: Detection{Text: "loop", Bounds: image.Rect(0, 0, 10, 10)}}
	m := NewMultiDetector(det, Options{MaxIterations: 5, Padding: 0}, testLogger())

	got, err := m.Decode(whiteImage(20, 20))
	if err != nil {
		t.Fatal(err)
	}
	if det.calls != 5 {
		t.Errorf("Detect の呼び出し回数 = %d, want 5", det.calls)
	}
	if !reflect.DeepEqual(got, []string{"loop"}) {
		t.Errorf("Decode() = %v", got)
	}
}

func TestMultiDetector_StopsOnZeroArea(t *testing.T) {
	tests := []struct {
		name   string
		bounds image.Rectangle
	}{
		{name: "面積0", bounds: image.Rect(5, 5, 5, 5)},
		{name: "画像の外", bounds: image.Rect(100, 100, 120, 120)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stuckDetector{det: Detection{Text: "edge", Bounds: tt.bounds}}
			m := NewMultiDetector(det, Options{MaxIterations: 10, Padding: 4}, testLogger())

			got, err := m.Decode(whiteImage(20, 20))
			if err != nil {
				t.Fatal(err)
			}
			if det.calls != 1 {
				t.Errorf("Detect の呼び出し回数 = %d, want 1", det.calls)
			}
			if !reflect.DeepEqual(got, []string{"edge"}) {
				t.Errorf("Decode() = %v", got)
			}
		})
	}
}

func qrImage(t *testing.T, text string) image.Image {
	t.Helper()
	matrix, err := zxqr.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	if err != nil {
		t.Fatalf("QRコードの生成に失敗: %v", err)
	}
	return imaging.Paste(imaging.New(300, 300, color.White), matrix, image.Pt(50, 50))
}

func TestZXingDetector_Decode(t *testing.T) {
	det := &countingDetector{Detector: NewZXingDetector(true)}
	m := NewMultiDetector(det, Options{MaxIterations: 32, Padding: 4}, testLogger())

	got, err := m.Decode(qrImage(t, "camarray-test"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"camarray-test"}) {
		t.Errorf("Decode() = %v", got)
	}
	if det.calls != 2 {
		t.Errorf("Detect の呼び出し回数 = %d, want 2", det.calls)
	}
}

func TestZXingDetector_NoCode(t *testing.T) {
	det := NewZXingDetector(false)

	_, ok, err := det.Detect(whiteImage(120, 120))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if ok {
		t.Error("Detect() = true for blank image")
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qr.png")
	if err := imaging.Save(qrImage(t, "from-file"), path); err != nil {
		t.Fatal(err)
	}

	m := NewMultiDetector(NewZXingDetector(true), Options{MaxIterations: 32, Padding: 4}, testLogger())
	got, err := m.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"from-file"}) {
		t.Errorf("DecodeFile() = %v", got)
	}

	_, err = m.DecodeFile(filepath.Join(dir, "missing.png"))
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindNotFound)
	}

	broken := filepath.Join(dir, "broken.png")
	if err := os.WriteFile(broken, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = m.DecodeFile(broken)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindValidation)
	}
}
