package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	videoNumberRe = regexp.MustCompile(`video(\d+)$`)
	v4l2SizeRe    = regexp.MustCompile(`Size:\s+\w+\s+(\d+)x(\d+)`)
	v4l2FPSRe     = regexp.MustCompile(`\((\d+(?:\.\d+)?)\s+fps\)`)
	v4l2FormatRe  = regexp.MustCompile(`\[\d+\]:\s+'(\w+)'`)
)

// V4L2Scanner は /dev/video* を v4l2-ctl で調べてカメラを列挙する
type V4L2Scanner struct {
	pattern string
	run     CommandRunner
}

// NewV4L2Scanner は新しいV4L2Scannerを作成する
func NewV4L2Scanner(run CommandRunner) *V4L2Scanner {
	return &V4L2Scanner{pattern: "/dev/video*", run: run}
}

// ScanVideo はシステム内のカラーカメラを番号順に返す
// グレースケールのみのノードと、同じカードのメタデータノードは除外する
func (s *V4L2Scanner) ScanVideo(ctx context.Context) ([]Profile, error) {
	matches, err := filepath.Glob(s.pattern)
	if err != nil {
		return nil, fmt.Errorf("ビデオデバイスのスキャンに失敗: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var profiles []Profile
	seenCards := make(map[string]bool)
	for _, path := range matches {
		select {
		case <-ctx.Done():
			return profiles, ctx.Err()
		default:
		}

		if !videoNumberRe.MatchString(path) || !isReadable(path) {
			continue
		}

		formats, err := s.run(ctx, "v4l2-ctl", "--device", path, "--list-formats-ext")
		if err != nil {
			continue
		}
		caps := ParseV4L2Formats(string(formats))
		if !hasColorFormat(caps.Formats) {
			continue
		}

		name := s.cardName(ctx, path)
		// 同じカードの複数ノードは最小番号のみ採用
		if name != "" {
			if seenCards[name] {
				continue
			}
			seenCards[name] = true
		} else {
			name = fmt.Sprintf("カメラ %d", extractDeviceNumber(path))
		}

		profiles = append(profiles, Profile{
			Class:        ClassCamera,
			Path:         path,
			Name:         name,
			Status:       StatusAvailable,
			Source:       SourceDetected,
			Capabilities: caps,
			DetectedAt:   time.Now(),
		})
	}

	return profiles, nil
}

// cardName は v4l2-ctl --info の "Card type" を返す
func (s *V4L2Scanner) cardName(ctx context.Context, path string) string {
	output, err := s.run(ctx, "v4l2-ctl", "--device", path, "--info")
	if err != nil {
		return ""
	}
	return ParseV4L2CardType(string(output))
}

// ParseV4L2CardType は v4l2-ctl --info の出力からカード名を取り出す
func ParseV4L2CardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// ParseV4L2Formats は v4l2-ctl --list-formats-ext の出力から能力表を作る
func ParseV4L2Formats(output string) Capabilities {
	var caps Capabilities
	seenRes := make(map[Resolution]bool)
	seenFPS := make(map[int]bool)
	seenFmt := make(map[string]bool)

	for _, line := range strings.Split(output, "\n") {
		if m := v4l2FormatRe.FindStringSubmatch(line); m != nil && !seenFmt[m[1]] {
			seenFmt[m[1]] = true
			caps.Formats = append(caps.Formats, m[1])
		}
		if m := v4l2SizeRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			res := Resolution{Width: w, Height: h}
			if !seenRes[res] {
				seenRes[res] = true
				caps.Resolutions = append(caps.Resolutions, res)
			}
		}
		if m := v4l2FPSRe.FindStringSubmatch(line); m != nil {
			f, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				fps := int(f + 0.5)
				if !seenFPS[fps] {
					seenFPS[fps] = true
					caps.FrameRates = append(caps.FrameRates, fps)
				}
			}
		}
	}

	sort.Ints(caps.FrameRates)
	return caps
}

func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "YUYV" || f == "MJPG" {
			return true
		}
	}
	return false
}

func isReadable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(path string) int {
	m := videoNumberRe.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
