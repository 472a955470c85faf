package camera

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ExposureMode は露出の決め方
type ExposureMode string

const (
	ExposureFixed   ExposureMode = "fixed"   // 指定値（マイクロ秒）
	ExposureAuto    ExposureMode = "auto"    // ハードウェアの自動露出
	ExposureDefault ExposureMode = "default" // デバイスの現在値をそのまま使う
	ExposureHDR     ExposureMode = "hdr"     // 未実装
)

// MaxExposureMicros は受け付ける露出時間の上限（マイクロ秒）
const MaxExposureMicros = math.MaxInt32

// Exposure は露出の指定
// JSON では fixed は整数、それ以外はモード名の文字列で表す
type Exposure struct {
	Mode   ExposureMode
	Micros int
}

// FixedExposure は固定露出を作成する
func FixedExposure(us int) Exposure {
	return Exposure{Mode: ExposureFixed, Micros: us}
}

// AutoExposure は自動露出を返す
func AutoExposure() Exposure {
	return Exposure{Mode: ExposureAuto}
}

// ParseExposure は "auto", "default", "hdr" またはマイクロ秒の整数を解析する
func ParseExposure(s string) (Exposure, error) {
	s = strings.TrimSpace(s)
	switch ExposureMode(strings.ToLower(s)) {
	case ExposureAuto:
		return Exposure{Mode: ExposureAuto}, nil
	case ExposureDefault:
		return Exposure{Mode: ExposureDefault}, nil
	case ExposureHDR:
		return Exposure{Mode: ExposureHDR}, nil
	}

	us, err := strconv.Atoi(s)
	if err != nil {
		return Exposure{}, fmt.Errorf("露出は整数または auto/default/hdr である必要があります: %q", s)
	}
	return fixedInRange(us)
}

func fixedInRange(us int) (Exposure, error) {
	if us < 0 || us > MaxExposureMicros {
		return Exposure{}, fmt.Errorf("露出時間は0以上%d以下である必要があります: %d", MaxExposureMicros, us)
	}
	return FixedExposure(us), nil
}

func (e Exposure) String() string {
	if e.Mode == ExposureFixed {
		return strconv.Itoa(e.Micros)
	}
	return string(e.Mode)
}

// MarshalJSON は fixed を数値、それ以外を文字列として出力する
func (e Exposure) MarshalJSON() ([]byte, error) {
	if e.Mode == ExposureFixed {
		return []byte(strconv.Itoa(e.Micros)), nil
	}
	if e.Mode == "" {
		return json.Marshal(string(ExposureDefault))
	}
	return json.Marshal(string(e.Mode))
}

// UnmarshalJSON は数値または文字列を受け付ける
func (e *Exposure) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseExposure(s)
		if err != nil {
			return err
		}
		*e = parsed
		return nil
	}

	// 小数や指数表記は切り捨てずにエラーにする
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("露出の値が不正です: %s", data)
	}
	us, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || us < math.MinInt32 || us > MaxExposureMicros {
		return fmt.Errorf("露出は0以上%d以下の整数である必要があります: %s", MaxExposureMicros, data)
	}
	parsed, err := fixedInRange(int(us))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
