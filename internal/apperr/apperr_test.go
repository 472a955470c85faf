package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"種別なし", base, KindInternal},
		{"直接", New(KindNotFound, "カメラ %s が見つかりません", "a"), KindNotFound},
		{"ラップ", fmt.Errorf("外側: %w", Wrap(KindIO, base, "書き込みに失敗")), KindIO},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(KindIO, nil, "x") != nil {
		t.Fatal("nil をラップした結果は nil であるべき")
	}

	base := errors.New("disk full")
	err := Wrap(KindIO, base, "結果の保存に失敗")
	if !errors.Is(err, base) {
		t.Error("元のエラーを Unwrap できません")
	}
	if err.Error() != "結果の保存に失敗: disk full" {
		t.Errorf("予期しないメッセージ: %s", err.Error())
	}
	if !Is(err, KindIO) {
		t.Error("KindIO と判定されるべき")
	}
	if Is(err, KindNotFound) {
		t.Error("KindNotFound と判定されるべきではない")
	}
}
