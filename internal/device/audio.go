package device

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// "card 1: Device [USB Audio Device], device 0: USB Audio [USB Audio]"
var alsaCardRe = regexp.MustCompile(`^card (\d+): (\S+) \[([^\]]*)\], device (\d+): ([^\[]*)\[([^\]]*)\]`)

// ALSAScanner は arecord / aplay と ffmpeg で音声デバイスを調べる
type ALSAScanner struct {
	run CommandRunner
}

// NewALSAScanner は新しいALSAScannerを作成する
func NewALSAScanner(run CommandRunner) *ALSAScanner {
	return &ALSAScanner{run: run}
}

// ScanCapture は録音デバイスを返す
func (s *ALSAScanner) ScanCapture(ctx context.Context) ([]Profile, error) {
	return s.scan(ctx, "arecord", ClassMicrophone)
}

// ScanPlayback は再生デバイスを返す
func (s *ALSAScanner) ScanPlayback(ctx context.Context) ([]Profile, error) {
	return s.scan(ctx, "aplay", ClassSpeaker)
}

func (s *ALSAScanner) scan(ctx context.Context, tool string, class Class) ([]Profile, error) {
	output, err := s.run(ctx, tool, "-l")
	if err != nil {
		// ツールが無い環境ではALSAの既定デバイスに任せる
		return []Profile{{
			Class:      class,
			Path:       "default",
			Name:       "ALSA default",
			Status:     StatusAvailable,
			Source:     SourceDetected,
			Priority:   -1,
			DetectedAt: time.Now(),
		}}, fmt.Errorf("%s -l の実行に失敗: %w", tool, err)
	}
	return ParseALSAList(string(output), class), nil
}

// ParseALSAList は arecord -l / aplay -l の出力をプロファイルに変換する
// USBカードはオンボードより優先度を高くする
func ParseALSAList(output string, class Class) []Profile {
	var profiles []Profile
	now := time.Now()
	for _, line := range strings.Split(output, "\n") {
		m := alsaCardRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[3])
		p := Profile{
			Class:      class,
			Path:       fmt.Sprintf("plughw:%s,%s", m[1], m[4]),
			Name:       name,
			Status:     StatusAvailable,
			Source:     SourceDetected,
			DetectedAt: now,
		}
		if class == ClassMicrophone {
			p.Capabilities.SampleRates = []int{8000, 24000, 44100, 48000}
		}
		if isUSBAudio(m[2], name, m[6]) {
			p.Priority = 1
		}
		profiles = append(profiles, p)
	}
	return profiles
}

func isUSBAudio(fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), "usb") {
			return true
		}
	}
	return false
}

// ProbeEncoders は ffmpeg が持つ音声エンコーダのうち利用するものを返す
func (s *ALSAScanner) ProbeEncoders(ctx context.Context) ([]string, error) {
	output, err := s.run(ctx, "ffmpeg", "-hide_banner", "-encoders")
	if err != nil {
		return nil, fmt.Errorf("ffmpegのエンコーダ一覧取得に失敗: %w", err)
	}
	return ParseFFmpegEncoders(string(output)), nil
}

// ParseFFmpegEncoders は ffmpeg -encoders の出力から既知のエンコーダを取り出す
func ParseFFmpegEncoders(output string) []string {
	wanted := map[string]bool{EncoderPCM: true, EncoderOpus: true, EncoderMuLaw: true}
	var found []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		// " A....D libopus   libopus Opus" の2列目がエンコーダ名
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "A") {
			continue
		}
		if wanted[fields[1]] {
			found = append(found, fields[1])
			delete(wanted, fields[1])
		}
	}
	return found
}
