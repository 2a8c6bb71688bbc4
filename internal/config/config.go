package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"enkaku/internal/logger"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     logger.Config `yaml:"log"`
	Devices DevicesConfig `yaml:"devices"`
	Camera  CameraConfig  `yaml:"camera"`
	Motor   MotorConfig   `yaml:"motor"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// DevicesConfig はデバイス検出の設定
type DevicesConfig struct {
	// HardwareHints は優先するデバイス名の部分文字列 (大文字小文字を区別しない)
	HardwareHints []string `yaml:"hardware_hints"`

	StatePath      string        `yaml:"state_path"`      // 選択結果の保存先
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`   // シリアルのハンドシェイク上限
	CommandTimeout time.Duration `yaml:"command_timeout"` // v4l2-ctl / arecord 等の実行上限
	RescanInterval time.Duration `yaml:"rescan_interval"` // 再検出の間隔 (0で無効)
}

// CameraConfig はカメラパイプラインの設定
type CameraConfig struct {
	Resolution string `yaml:"resolution"` // "480p", "720p", "1080p"
	FPS        int    `yaml:"fps"`        // 0ならプリセットの値
	Quality    int    `yaml:"quality"`    // ffmpegのq:v (2-31)

	FailureThreshold    int           `yaml:"failure_threshold"`    // DEGRADEDへ遷移する連続失敗回数
	GraceWindow         time.Duration `yaml:"grace_window"`         // 解像度変更後に失敗を数えない時間
	BackoffInitial      time.Duration `yaml:"backoff_initial"`      // 再初期化の初回待ち時間
	BackoffMax          time.Duration `yaml:"backoff_max"`          // 再初期化の待ち時間の上限
	OpenTimeout         time.Duration `yaml:"open_timeout"`         // デバイスを開く処理の上限
	ReadTimeout         time.Duration `yaml:"read_timeout"`         // 1フレーム取得の上限
	PlaceholderInterval time.Duration `yaml:"placeholder_interval"` // 代替フレームの更新間隔
}

// MotorConfig はモーターリンクの設定
type MotorConfig struct {
	BaudRate int `yaml:"baud_rate"`
	MaxSpeed int `yaml:"max_speed"`

	DeadmanTimeout   time.Duration `yaml:"deadman_timeout"`   // 無操作でSTOPするまでの時間
	SafetyInterval   time.Duration `yaml:"safety_interval"`   // 安全タイマーの判定間隔
	ReadTimeout      time.Duration `yaml:"read_timeout"`      // シリアル読み込みの上限
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // シリアル書き込みの上限
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 接続時のSTATUS応答待ち
	SettleDelay      time.Duration `yaml:"settle_delay"`      // ポートを開いた後の待ち時間
	StatusInterval   time.Duration `yaml:"status_interval"`   // ハートビートが無い時のSTATUS間隔
	ReconnectInitial time.Duration `yaml:"reconnect_initial"` // 再接続の初回待ち時間
	ReconnectMax     time.Duration `yaml:"reconnect_max"`     // 再接続の待ち時間の上限
}

// AudioConfig は音声ストリーミングの設定
type AudioConfig struct {
	Mode           string        `yaml:"mode"`            // "standard", "optimized", "realtime"
	RealtimeTarget string        `yaml:"realtime_target"` // RTP送信先 host:port (空なら realtime 不可)
	ChunkSize      int           `yaml:"chunk_size"`      // 1回に読むバイト数
	StartTimeout   time.Duration `yaml:"start_timeout"`   // エンコーダ起動確認の上限
	RestartLimit   int           `yaml:"restart_limit"`   // 同一モードでの再起動回数
	AutoStart      bool          `yaml:"auto_start"`      // 起動時に配信を始める
	TestTone       bool          `yaml:"test_tone"`       // マイクの代わりに正弦波を流す
}

var (
	validResolutions = []string{"480p", "720p", "1080p"}
	validAudioModes  = []string{"standard", "optimized", "realtime"}
)

// Default は既定値の設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Log: logger.Config{Level: "info", Output: "stdout"},
		Devices: DevicesConfig{
			HardwareHints:  []string{"usb", "uac", "esp32", "ch340", "cp210"},
			StatePath:      "enkaku-devices.yaml",
			ProbeTimeout:   3 * time.Second,
			CommandTimeout: 5 * time.Second,
			RescanInterval: 30 * time.Second,
		},
		Camera: CameraConfig{
			Resolution:          "720p",
			Quality:             5,
			FailureThreshold:    5,
			GraceWindow:         3 * time.Second,
			BackoffInitial:      1 * time.Second,
			BackoffMax:          30 * time.Second,
			OpenTimeout:         10 * time.Second,
			ReadTimeout:         2 * time.Second,
			PlaceholderInterval: 1 * time.Second,
		},
		Motor: MotorConfig{
			BaudRate:         115200,
			MaxSpeed:         255,
			DeadmanTimeout:   1 * time.Second,
			SafetyInterval:   100 * time.Millisecond,
			ReadTimeout:      100 * time.Millisecond,
			WriteTimeout:     1 * time.Second,
			HandshakeTimeout: 1 * time.Second,
			SettleDelay:      1500 * time.Millisecond,
			StatusInterval:   2 * time.Second,
			ReconnectInitial: 2 * time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Audio: AudioConfig{
			Mode:         "standard",
			ChunkSize:    8192,
			StartTimeout: 2 * time.Second,
			RestartLimit: 3,
		},
	}
}

// Load は設定を読み込む
// .env → YAMLファイル (path または ENKAKU_CONFIG) → 環境変数 の順で上書きする
func Load(path string) (*Config, error) {
	// .envは無くてもよい
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("ENKAKU_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// mergeFile はYAMLファイルの内容を既定値の上に重ねる
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("SERVER_PORT", getEnvAsIntOrDefault("PORT", c.Server.Port))
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Camera.Resolution = getEnvOrDefault("CAMERA_RESOLUTION", c.Camera.Resolution)
	c.Audio.Mode = getEnvOrDefault("AUDIO_MODE", c.Audio.Mode)
	c.Audio.RealtimeTarget = getEnvOrDefault("AUDIO_REALTIME_TARGET", c.Audio.RealtimeTarget)
	c.Audio.TestTone = getEnvAsBoolOrDefault("AUDIO_TEST_TONE", c.Audio.TestTone)
	c.Motor.DeadmanTimeout = getEnvAsDurationOrDefault("MOTOR_DEADMAN_TIMEOUT", c.Motor.DeadmanTimeout)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if !contains(validResolutions, c.Camera.Resolution) {
		return fmt.Errorf("無効な解像度: %s", c.Camera.Resolution)
	}
	if c.Camera.FPS < 0 || c.Camera.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", c.Camera.FPS)
	}
	if c.Camera.FailureThreshold <= 0 {
		return fmt.Errorf("無効な失敗しきい値: %d", c.Camera.FailureThreshold)
	}
	if c.Camera.BackoffInitial <= 0 || c.Camera.BackoffMax < c.Camera.BackoffInitial {
		return fmt.Errorf("無効なバックオフ設定: %s - %s", c.Camera.BackoffInitial, c.Camera.BackoffMax)
	}

	// モーター設定の検証
	if c.Motor.MaxSpeed <= 0 || c.Motor.MaxSpeed > 255 {
		return fmt.Errorf("無効な最大速度: %d", c.Motor.MaxSpeed)
	}
	if c.Motor.DeadmanTimeout <= 0 {
		return fmt.Errorf("無効なデッドマンタイムアウト: %s", c.Motor.DeadmanTimeout)
	}
	if c.Motor.SafetyInterval <= 0 || c.Motor.SafetyInterval >= c.Motor.DeadmanTimeout {
		return fmt.Errorf("安全タイマー間隔 %s はデッドマンタイムアウト %s より短くする必要があります",
			c.Motor.SafetyInterval, c.Motor.DeadmanTimeout)
	}
	if c.Motor.ReconnectInitial <= 0 || c.Motor.ReconnectMax < c.Motor.ReconnectInitial {
		return fmt.Errorf("無効な再接続設定: %s - %s", c.Motor.ReconnectInitial, c.Motor.ReconnectMax)
	}

	// 音声設定の検証
	if !contains(validAudioModes, c.Audio.Mode) {
		return fmt.Errorf("無効な音声モード: %s", c.Audio.Mode)
	}
	if c.Audio.ChunkSize <= 0 {
		return fmt.Errorf("無効なチャンクサイズ: %d", c.Audio.ChunkSize)
	}
	if c.Audio.RestartLimit < 0 {
		return fmt.Errorf("無効な再起動回数: %d", c.Audio.RestartLimit)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
