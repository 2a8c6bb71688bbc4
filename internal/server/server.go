package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"enkaku/internal/audio"
	"enkaku/internal/bandwidth"
	"enkaku/internal/camera"
	"enkaku/internal/config"
	"enkaku/internal/device"
	"enkaku/internal/motor"
)

// CameraService はカメラパイプラインのうちHTTPから使う部分
type CameraService interface {
	Frame() camera.Frame
	Health() camera.Health
	Mode() camera.Mode
	SetResolution(mode camera.Mode) error
}

// MotorService はモーターリンクのうちHTTPから使う部分
type MotorService interface {
	Drive(left, right int) motor.DriveResult
	Stop()
	Telemetry() motor.Telemetry
	Status() motor.Status
}

// AudioService は音声マルチプレクサのうちHTTPから使う部分
type AudioService interface {
	SelectMode(ctx context.Context, mode audio.Mode) (audio.Mode, error)
	Start(ctx context.Context) (audio.Mode, error)
	Stop() error
	Stats() audio.Stats
}

// DeviceService は検出済みデバイスの参照と再検出
type DeviceService interface {
	Current() device.Profiles
	Rescan(ctx context.Context) device.Profiles
}

// Deps はハンドラが参照するコンポーネント
type Deps struct {
	Camera    CameraService
	Motor     MotorService
	Audio     AudioService
	Devices   DeviceService
	Hub       *audio.Hub
	Counter   *bandwidth.Counter
	StartedAt time.Time
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: engine,
		logger: logger,
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
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/", s.handleRoot)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)

	cam := api.Group("/camera")
	cam.GET("/frame", s.handleFrame)
	cam.GET("/stream", s.handleStream)
	cam.GET("/health", s.handleCameraHealth)
	cam.POST("/resolution", s.handleResolution)

	mot := api.Group("/motor")
	mot.GET("/telemetry", s.handleTelemetry)
	mot.GET("/status", s.handleMotorStatus)
	mot.POST("/drive", s.handleDrive)
	mot.POST("/stop", s.handleMotorStop)

	aud := api.Group("/audio")
	aud.POST("/mode", s.handleAudioMode)
	aud.POST("/start", s.handleAudioStart)
	aud.POST("/stop", s.handleAudioStop)
	aud.GET("/stats", s.handleAudioStats)

	dev := api.Group("/devices")
	dev.GET("", s.handleDevices)
	dev.POST("/rescan", s.handleRescan)

	s.engine.GET("/ws/audio", s.handleAudioWS)
}

// Start はサーバーを起動し、ctxが終わるとグレースフルに停止する
// ポートを確保できない場合はエラーを返す
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は確保済みのリスナーで配信する
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("サーバーをシャットダウンしています")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストごとにアクセスログを出す
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// ストリーム系は長時間になるので debug に落とす
		ev := logger.Info()
		if c.FullPath() == "/api/camera/stream" || c.FullPath() == "/ws/audio" || c.FullPath() == "/api/camera/frame" {
			ev = logger.Debug()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("リクエスト")
	}
}
