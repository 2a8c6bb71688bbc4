package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err, "設定の読み込みに失敗しました")
	require.NotNil(t, cfg)

	// サーバー設定の検証
	assert.NotEmpty(t, cfg.Server.Host, "サーバーホストが設定されていません")
	assert.Positive(t, cfg.Server.ReadTimeout, "読み込みタイムアウトが設定されていません")
	// WriteTimeout は 0（無効）でも正常
	assert.GreaterOrEqual(t, cfg.Server.WriteTimeout, time.Duration(0))

	// 既定値の検証
	assert.Equal(t, "720p", cfg.Camera.Resolution)
	assert.Equal(t, 5, cfg.Camera.FailureThreshold)
	assert.Equal(t, 255, cfg.Motor.MaxSpeed)
	assert.Less(t, cfg.Motor.SafetyInterval, cfg.Motor.DeadmanTimeout)
	assert.Equal(t, "standard", cfg.Audio.Mode)
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(c *Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"未知の解像度", func(c *Config) { c.Camera.Resolution = "4k" }, true},
		{"失敗しきい値が0", func(c *Config) { c.Camera.FailureThreshold = 0 }, true},
		{"バックオフ上限が初回より短い", func(c *Config) { c.Camera.BackoffMax = time.Millisecond }, true},
		{"安全タイマーがデッドマン以上", func(c *Config) { c.Motor.SafetyInterval = 2 * time.Second }, true},
		{"最大速度が範囲外", func(c *Config) { c.Motor.MaxSpeed = 300 }, true},
		{"未知の音声モード", func(c *Config) { c.Audio.Mode = "lossless" }, true},
		{"チャンクサイズが0", func(c *Config) { c.Audio.ChunkSize = 0 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.expectErr {
				assert.Error(t, err, "エラーが期待されましたが、エラーが発生しませんでした")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	assert.Equal(t, "192.168.1.100:9090", cfg.ServerAddress())
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("MOTOR_DEADMAN_TIMEOUT", "750ms")
	t.Setenv("AUDIO_MODE", "optimized")
	t.Setenv("AUDIO_TEST_TONE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test.example.com", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Motor.DeadmanTimeout)
	assert.Equal(t, "optimized", cfg.Audio.Mode)
	assert.True(t, cfg.Audio.TestTone)
}

// TestLoadYAMLFile はYAMLファイルが既定値に重なることをテストする
func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enkaku.yaml")
	content := `
camera:
  resolution: 1080p
  failure_threshold: 3
  grace_window: 5s
motor:
  deadman_timeout: 1500ms
audio:
  mode: realtime
  realtime_target: 10.0.0.2:5004
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1080p", cfg.Camera.Resolution)
	assert.Equal(t, 3, cfg.Camera.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.Camera.GraceWindow)
	assert.Equal(t, 1500*time.Millisecond, cfg.Motor.DeadmanTimeout)
	assert.Equal(t, "realtime", cfg.Audio.Mode)
	assert.Equal(t, "10.0.0.2:5004", cfg.Audio.RealtimeTarget)
	// ファイルに無い項目は既定値のまま
	assert.Equal(t, 255, cfg.Motor.MaxSpeed)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
