package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"camarray/internal/config"
	"camarray/internal/manager"

	"github.com/gin-gonic/gin"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	manager    *manager.Manager
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(requestID(), requestLogger(logger), gin.Recovery())

	s := &Server{
		config:  cfg,
		manager: mgr,
		logger:  logger,
		engine:  engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := &Handler{manager: s.manager, logger: s.logger}

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	{
		api.GET("/cameras", h.ListCameras)
		api.GET("/cameras/check", h.CheckCameras)
		api.POST("/cameras/configure", h.ConfigureCameras)
		api.POST("/cameras/:id/rename", h.RenameCamera)
		api.PUT("/cameras/:id/exposure", h.SetExposure)
		api.PUT("/cameras/:id/rotation", h.SetRotation)
		api.GET("/cameras/:id/latest", h.GetLatest)
		api.GET("/cameras/:id/latest/image", h.GetLatestImage)
		api.GET("/cameras/:id/history", h.GetHistory)

		api.POST("/capture", h.Capture)
		api.GET("/results", h.GetAllResults)
		api.DELETE("/results", h.RemoveResults)
		api.POST("/qrcode", h.DecodeQR)
	}
}

// Start はサーバーを起動し、ctx がキャンセルされるまで待つ
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーでサーバーを起動する
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	// 撮影中のリクエストを待つため、タイムアウトは撮影の上限より長めにとる
	timeout := 5*time.Second + s.config.Grab.Timeout*time.Duration(s.config.Grab.MaxAttempts+1)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
