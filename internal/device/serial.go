package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
)

// DefaultSerialPatterns はモーターコントローラー候補のポート
var DefaultSerialPatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyAMA*"}

// GlobSerialScanner はglobパターンでシリアルポートを列挙する
type GlobSerialScanner struct {
	Patterns []string
}

// NewGlobSerialScanner は既定パターンのGlobSerialScannerを作成する
func NewGlobSerialScanner() *GlobSerialScanner {
	return &GlobSerialScanner{Patterns: DefaultSerialPatterns}
}

// ListPorts はパターンに一致するポートを名前順に返す
func (s *GlobSerialScanner) ListPorts(ctx context.Context) ([]string, error) {
	var ports []string
	for _, pattern := range s.Patterns {
		if err := ctx.Err(); err != nil {
			return ports, err
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("シリアルポートのスキャンに失敗 %s: %w", pattern, err)
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports, nil
}
