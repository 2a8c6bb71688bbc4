package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"enkaku/internal/config"
	"enkaku/internal/daemon"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// サーバーを起動
	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
