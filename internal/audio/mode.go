package audio

import (
	"errors"
	"fmt"
	"strings"

	"enkaku/internal/device"
)

// Mode は音声の符号化と伝送の組み合わせ
type Mode string

const (
	ModeStandard  Mode = "standard"  // PCM s16le 44.1kHz モノラル → WebSocket
	ModeOptimized Mode = "optimized" // Opus (Ogg) 24kbps → WebSocket
	ModeRealtime  Mode = "realtime"  // G.711 µ-law 8kHz → RTP/UDP
)

var (
	ErrUnknownMode          = errors.New("未知の音声モード")
	ErrDeviceBusy           = errors.New("マイクが使用中です")
	ErrEncoderUnavailable   = errors.New("エンコーダが利用できません")
	ErrTransportUnavailable = errors.New("伝送路が利用できません")
	ErrDeviceAbsent         = errors.New("マイクがありません")
)

// Format はモードごとの出力形式
type Format struct {
	Encoder    string `json:"encoder"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Bitrate    string `json:"bitrate,omitempty"`
	Label      string `json:"label"`
}

var formats = map[Mode]Format{
	ModeStandard:  {Encoder: device.EncoderPCM, SampleRate: 44100, Channels: 1, Label: "pcm_s16le_44100_mono"},
	ModeOptimized: {Encoder: device.EncoderOpus, SampleRate: 48000, Channels: 1, Bitrate: "24k", Label: "opus_ogg_24k_mono"},
	ModeRealtime:  {Encoder: device.EncoderMuLaw, SampleRate: 8000, Channels: 1, Label: "pcmu_8000_mono_rtp"},
}

// 品質の高い順。フォールバックは右へ進む
var fallbackOrder = []Mode{ModeRealtime, ModeOptimized, ModeStandard}

// ParseMode はモード名を解釈する
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := formats[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	return m, nil
}

// OverWebSocket はHubのクライアントへ配信するモードか返す
func (m Mode) OverWebSocket() bool {
	return m == ModeStandard || m == ModeOptimized
}

// Format はモードの出力形式を返す
func (m Mode) Format() Format {
	return formats[m]
}

// Fallbacks は m から試す順にモードを返す
//
//	realtime → optimized → standard
func (m Mode) Fallbacks() []Mode {
	for i, candidate := range fallbackOrder {
		if candidate == m {
			out := make([]Mode, len(fallbackOrder)-i)
			copy(out, fallbackOrder[i:])
			return out
		}
	}
	return nil
}

// Modes は全モードを返す
func Modes() []Mode {
	return []Mode{ModeStandard, ModeOptimized, ModeRealtime}
}

// supportedBy はマイクの能力表でモードが使えるか判定する
// エンコーダ一覧が空なら未確認として試す
func supportedBy(m Mode, caps device.Capabilities) bool {
	if len(caps.Encoders) == 0 {
		return true
	}
	return caps.HasEncoder(m.Format().Encoder)
}
