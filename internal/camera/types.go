package camera

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"enkaku/internal/device"
)

// State はパイプラインの状態
type State string

const (
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateDegraded   State = "DEGRADED"
	StateRecovering State = "RECOVERING"
	StateStopped    State = "STOPPED"
)

var (
	ErrUnknownMode           = errors.New("未知の解像度モード")
	ErrUnsupportedResolution = errors.New("デバイスが対応していない解像度")
	ErrNoDevice              = errors.New("カメラデバイスがありません")
	ErrAlreadyStarted        = errors.New("パイプラインは既に開始されています")
	ErrReadTimeout           = errors.New("フレーム取得がタイムアウトしました")
	ErrSourceClosed          = errors.New("キャプチャは終了しています")
)

// Mode は解像度とフレームレートの組
type Mode struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
}

// Resolution はデバイスの能力表と比較するための解像度
func (m Mode) Resolution() device.Resolution {
	return device.Resolution{Width: m.Width, Height: m.Height}
}

func (m Mode) String() string {
	return fmt.Sprintf("%s (%dx%d@%d)", m.Name, m.Width, m.Height, m.FPS)
}

// Presets は対応する解像度プリセット
var Presets = map[string]Mode{
	"480p":  {Name: "480p", Width: 640, Height: 480, FPS: 30},
	"720p":  {Name: "720p", Width: 1280, Height: 720, FPS: 15},
	"1080p": {Name: "1080p", Width: 1920, Height: 1080, FPS: 10},
}

// ParseMode はプリセット名からModeを返す
func ParseMode(name string) (Mode, error) {
	mode, ok := Presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	return mode, nil
}

// PresetNames はプリセット名を解像度の小さい順に返す
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return Presets[names[i]].Width < Presets[names[j]].Width
	})
	return names
}

// Frame は共有バッファに公開される1フレーム
// 公開後は変更されない
type Frame struct {
	Data        []byte    `json:"-"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Size        int       `json:"size"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FPS         int       `json:"fps"`
	Placeholder bool      `json:"is_placeholder"`
}

// Health はパイプラインの健全性
type Health struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success"`
	RecoveryAttempts    int           `json:"recovery_attempts"`
	NextRetry           time.Duration `json:"-"`
	NextRetryMS         int64         `json:"next_retry_ms"`
	Device              string        `json:"device"`
	Mode                string        `json:"mode"`
	LastError           string        `json:"last_error,omitempty"`
	FramesCaptured      uint64        `json:"frames_captured"`
	MeasuredFPS         float64       `json:"measured_fps"`
	Placeholder         bool          `json:"is_placeholder"`
}
