package device

import (
	"context"
	"fmt"
	"time"
)

// Class はデバイスの種類
type Class string

const (
	ClassCamera     Class = "camera"
	ClassMicrophone Class = "microphone"
	ClassSpeaker    Class = "speaker"
	ClassSerial     Class = "serial"
)

// Status はデバイスの利用可否
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Source はプロファイルがどこから来たかを表す
type Source string

const (
	SourceNone      Source = "none"
	SourceOverride  Source = "override"  // 環境変数で指定
	SourceDetected  Source = "detected"  // 今回のスキャンで検出
	SourcePersisted Source = "persisted" // 以前の選択を保持
)

// 既知のシリアルコントローラー種別
const (
	ControllerMotor   = "motor_controller"
	ControllerGeneric = "generic"
	ControllerUnknown = "unknown"
)

// 既知のエンコーダ名（ffmpeg -encoders の表記）
const (
	EncoderPCM   = "pcm_s16le"
	EncoderOpus  = "libopus"
	EncoderMuLaw = "pcm_mulaw"
)

// Resolution は解像度
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Capabilities はデバイスの能力表
type Capabilities struct {
	Resolutions    []Resolution `json:"resolutions,omitempty" yaml:"resolutions,omitempty"`
	FrameRates     []int        `json:"frame_rates,omitempty" yaml:"frame_rates,omitempty"`
	Formats        []string     `json:"formats,omitempty" yaml:"formats,omitempty"`
	SampleRates    []int        `json:"sample_rates,omitempty" yaml:"sample_rates,omitempty"`
	Encoders       []string     `json:"encoders,omitempty" yaml:"encoders,omitempty"`
	ControllerType string       `json:"controller_type,omitempty" yaml:"controller_type,omitempty"`
}

// SupportsResolution は指定解像度に対応しているか返す
// 能力表が空の場合は判断できないので対応しているとみなす
func (c Capabilities) SupportsResolution(r Resolution) bool {
	if len(c.Resolutions) == 0 {
		return true
	}
	for _, res := range c.Resolutions {
		if res == r {
			return true
		}
	}
	return false
}

// HasEncoder はエンコーダが利用可能か返す
func (c Capabilities) HasEncoder(name string) bool {
	for _, e := range c.Encoders {
		if e == name {
			return true
		}
	}
	return false
}

// Profile は物理デバイス1台を表す
// 検出のたびに丸ごと置き換えられ、利用側は読み取り専用のコピーを受け取る
type Profile struct {
	Class        Class        `json:"class" yaml:"class"`
	Path         string       `json:"path" yaml:"path"`
	Name         string       `json:"name" yaml:"name"`
	Status       Status       `json:"status" yaml:"status"`
	Source       Source       `json:"source" yaml:"source"`
	Priority     int          `json:"priority" yaml:"priority"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	DetectedAt   time.Time    `json:"detected_at" yaml:"detected_at"`
}

// Available はデバイスが利用可能か返す
func (p Profile) Available() bool {
	return p.Status == StatusAvailable && p.Path != ""
}

// Unavailable は指定クラスの不在プロファイルを作成する
func Unavailable(class Class) Profile {
	return Profile{
		Class:  class,
		Status: StatusUnavailable,
		Source: SourceNone,
	}
}

// Profiles は各クラスで選択されたプロファイルの組
type Profiles struct {
	Camera     Profile `json:"camera" yaml:"camera"`
	Microphone Profile `json:"microphone" yaml:"microphone"`
	Speaker    Profile `json:"speaker" yaml:"speaker"`
	Serial     Profile `json:"serial" yaml:"serial"`
}

// Get はクラスに対応するプロファイルを返す
func (p Profiles) Get(class Class) Profile {
	switch class {
	case ClassCamera:
		return p.Camera
	case ClassMicrophone:
		return p.Microphone
	case ClassSpeaker:
		return p.Speaker
	case ClassSerial:
		return p.Serial
	default:
		return Unavailable(class)
	}
}

func (p *Profiles) set(profile Profile) {
	switch profile.Class {
	case ClassCamera:
		p.Camera = profile
	case ClassMicrophone:
		p.Microphone = profile
	case ClassSpeaker:
		p.Speaker = profile
	case ClassSerial:
		p.Serial = profile
	}
}

// AllClasses は検出対象のクラス一覧
var AllClasses = []Class{ClassCamera, ClassMicrophone, ClassSpeaker, ClassSerial}

// VideoScanner はカメラデバイスを列挙する
type VideoScanner interface {
	ScanVideo(ctx context.Context) ([]Profile, error)
}

// AudioScanner はALSAデバイスとエンコーダを列挙する
type AudioScanner interface {
	ScanCapture(ctx context.Context) ([]Profile, error)
	ScanPlayback(ctx context.Context) ([]Profile, error)
	ProbeEncoders(ctx context.Context) ([]string, error)
}

// SerialScanner はシリアルポートのパスを列挙する
type SerialScanner interface {
	ListPorts(ctx context.Context) ([]string, error)
}

// ProbeResult はシリアルポートへのハンドシェイク結果
type ProbeResult struct {
	ControllerType string
	Voltage        float64
}

// SerialProber はシリアルポートにハンドシェイクを送り応答を確認する
type SerialProber interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}
