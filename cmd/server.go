// Package main はenkakuサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"enkaku/internal/config"
	"enkaku/internal/daemon"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.StringP("config", "c", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.IntP("port", "p", 0, "サーバーのポート (デフォルト: 8080)")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.BoolP("help", "h", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("enkaku")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("設定の検証に失敗しました")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
