package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// 露出と目標輝度のプロパティ名の候補（先頭を優先）
var (
	exposureCandidates = []string{PropExposureTime, PropExposureTimeAbs}
	targetCandidates   = []string{PropAutoTargetValue, PropAutoTargetBrightness}
)

// Session は1台のデバイスのハンドルを保持する
//
// 初回オープン時に、機種によって名前の異なるプロパティを一度だけ確認して記録する。
// Open と StartStreaming は何度呼んでもよい。
type Session struct {
	dev Device

	mu           sync.Mutex
	negotiated   bool
	exposureName string // 空の場合は露出を操作できない
	targetName   string // 空の場合は目標輝度を設定できない
}

// NewSession は新しいSessionを作成する
func NewSession(dev Device) *Session {
	return &Session{dev: dev}
}

// Device は内部のデバイスを返す
func (s *Session) Device() Device {
	return s.dev
}

// Open はデバイスをオープンし、初回のみプロパティ名を確定する
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dev.IsOpen() {
		if err := s.dev.Open(ctx); err != nil {
			return err
		}
	}
	if s.negotiated {
		return nil
	}

	name, err := s.firstAvailable(ctx, exposureCandidates)
	if err != nil {
		return fmt.Errorf("露出プロパティの確認に失敗: %w", err)
	}
	s.exposureName = name

	name, err = s.firstAvailable(ctx, targetCandidates)
	if err != nil {
		return fmt.Errorf("目標輝度プロパティの確認に失敗: %w", err)
	}
	s.targetName = name

	s.negotiated = true
	return nil
}

func (s *Session) firstAvailable(ctx context.Context, candidates []string) (string, error) {
	for _, name := range candidates {
		_, err := s.dev.GetNumber(ctx, name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, ErrPropertyUnavailable) {
			return "", err
		}
	}
	return "", nil
}

// ExposureProperty は確定した露出プロパティ名を返す
func (s *Session) ExposureProperty() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposureName
}

// TargetProperty は確定した目標輝度プロパティ名を返す
func (s *Session) TargetProperty() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetName
}

// StartStreaming は取得中でなければ取得を開始する
func (s *Session) StartStreaming(ctx context.Context) error {
	if s.dev.IsStreaming() {
		return nil
	}
	return s.dev.StartStreaming(ctx)
}

// StopStreaming は取得中であれば停止する
func (s *Session) StopStreaming() error {
	if !s.dev.IsStreaming() {
		return nil
	}
	return s.dev.StopStreaming()
}

// Close はハンドルを解放する
// 次回の Open では再度オープンするが、確定したプロパティ名は引き継ぐ
func (s *Session) Close() error {
	if err := s.StopStreaming(); err != nil {
		return err
	}
	if !s.dev.IsOpen() {
		return nil
	}
	return s.dev.Close()
}

// Exposure は露出時間（マイクロ秒）と範囲を取得する
func (s *Session) Exposure(ctx context.Context) (NumericProperty, error) {
	name := s.ExposureProperty()
	if name == "" {
		return NumericProperty{}, fmt.Errorf("露出: %w", ErrPropertyUnavailable)
	}
	return s.dev.GetNumber(ctx, name)
}

// SetExposure は露出時間（マイクロ秒）を設定する
func (s *Session) SetExposure(ctx context.Context, us float64) error {
	name := s.ExposureProperty()
	if name == "" {
		return fmt.Errorf("露出: %w", ErrPropertyUnavailable)
	}
	return s.dev.SetNumber(ctx, name, us)
}

// SetTargetBrightness は自動露出の目標輝度 (0..1) を設定する
// 目標輝度を持たないデバイスでは何もせず false を返す
func (s *Session) SetTargetBrightness(ctx context.Context, brightness float64) (bool, error) {
	name := s.TargetProperty()
	if name == "" {
		return false, nil
	}

	prop, err := s.dev.GetNumber(ctx, name)
	if err != nil {
		return false, err
	}
	value := brightness
	if name == PropAutoTargetValue {
		// 8bit の輝度値で指定する
		value = math.Round(brightness * 255)
	}
	if err := s.dev.SetNumber(ctx, name, prop.Clamp(value)); err != nil {
		return false, err
	}
	return true, nil
}
