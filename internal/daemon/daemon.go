// Package daemon はプロセス全体を起動する
// main.go と cmd/server.go の共通部分
package daemon

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"enkaku/internal/app"
	"enkaku/internal/config"
	"enkaku/internal/logger"
	"enkaku/internal/server"
)

// Run はログを初期化し、実機でアプリとHTTPサーバーを動かす
// ctxが終わるまで戻らない。HTTPのポートを確保できなければエラーを返す
func Run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return Serve(ctx, cfg, app.DefaultHardware(cfg))
}

// Serve は与えられたハードウェアでアプリとHTTPサーバーを動かす
func Serve(ctx context.Context, cfg *config.Config, hw app.Hardware) error {
	log := logger.WithComponent("main")

	a, err := app.New(cfg, hw)
	if err != nil {
		return fmt.Errorf("アプリケーションの構築に失敗: %w", err)
	}

	srv := server.New(cfg, server.Deps{
		Camera:    a.Camera,
		Motor:     a.Motor,
		Audio:     a.Audio,
		Devices:   a,
		Hub:       a.Hub,
		Counter:   a.Counter,
		StartedAt: a.StartedAt(),
	}, logger.WithComponent("server"))

	log.Info().Str("addr", cfg.ServerAddress()).Msg("enkaku を起動します")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("enkaku を停止しました")
	return nil
}
