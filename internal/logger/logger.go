// Package logger はzerologによる構造化ログの初期化を担う
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config はログ出力の設定
type Config struct {
	Level      string `yaml:"level"`       // ログレベル (debug, info, warn, error)
	Debug      bool   `yaml:"debug"`       // trueならLevelを無視してdebugにする
	Output     string `yaml:"output"`      // "stdout" または "stderr"
	TimeFormat string `yaml:"time_format"` // 空ならRFC3339
}

var globalLogger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// DefaultConfig は環境変数から既定のログ設定を作成する
func DefaultConfig() Config {
	return Config{
		Level:      getEnvOrDefault("LOG_LEVEL", "info"),
		Debug:      strings.EqualFold(os.Getenv("DEBUG"), "true"),
		Output:     getEnvOrDefault("LOG_OUTPUT", "stdout"),
		TimeFormat: os.Getenv("LOG_TIME_FORMAT"),
	}
}

// Init はグローバルロガーを設定に従って作り直す
func Init(cfg Config) error {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("無効なログレベル %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	globalLogger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = globalLogger

	return nil
}

// Get は現在のグローバルロガーを返す
func Get() zerolog.Logger {
	return globalLogger
}

// WithComponent はcomponentフィールド付きの子ロガーを返す
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
