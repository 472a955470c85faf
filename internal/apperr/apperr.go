// Package apperr はアプリケーション全体で共有するエラー分類を提供する
//
// 呼び出し側は errors.As で *Error を取り出すか、KindOf / Is で種別を判定する。
// HTTP アダプタや CLI は種別をステータスコードや終了メッセージに変換する。
package apperr

import (
	"errors"
	"fmt"
)

// Kind はエラーの種別
type Kind string

const (
	KindConfigurationRequired Kind = "configuration_required" // カメラ未設定
	KindValidation            Kind = "validation_error"       // 入力値が不正
	KindNotFound              Kind = "not_found"              // 識別子が存在しない、または一意に解決できない
	KindHardwareTimeout       Kind = "hardware_timeout"       // 取得リトライ上限超過
	KindHardwareException     Kind = "hardware_exception"     // デバイスが異常を返した
	KindIO                    Kind = "io_error"               // 永続化の失敗
	KindNotImplemented        Kind = "not_implemented"        // 未対応の機能
	KindInternal              Kind = "internal"
)

// Error は種別付きのエラー
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New は種別付きのエラーを作成する
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap は既存のエラーに種別を付与する。err が nil の場合は nil を返す
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf はエラーチェーン中で最も外側の *Error の種別を返す
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is は err が指定種別かどうかを判定する
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
