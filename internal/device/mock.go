package device

import (
	"context"
	"errors"
	"sync"
)

// MockScanner はテスト用のスキャナー
// VideoScanner / AudioScanner / SerialScanner / SerialProber をまとめて実装する
type MockScanner struct {
	mu sync.Mutex

	Cameras     []Profile
	Microphones []Profile
	Speakers    []Profile
	Encoders    []string
	Ports       []string
	// Responders はハンドシェイクに応答するポートと結果
	Responders map[string]ProbeResult

	probed []string
}

// NewMockScanner は空のMockScannerを作成する
func NewMockScanner() *MockScanner {
	return &MockScanner{Responders: make(map[string]ProbeResult)}
}

func (m *MockScanner) ScanVideo(_ context.Context) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Profile(nil), m.Cameras...), nil
}

func (m *MockScanner) ScanCapture(_ context.Context) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Profile(nil), m.Microphones...), nil
}

func (m *MockScanner) ScanPlayback(_ context.Context) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Profile(nil), m.Speakers...), nil
}

func (m *MockScanner) ProbeEncoders(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Encoders...), nil
}

func (m *MockScanner) ListPorts(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Ports...), nil
}

func (m *MockScanner) Probe(ctx context.Context, path string) (ProbeResult, error) {
	m.mu.Lock()
	m.probed = append(m.probed, path)
	result, ok := m.Responders[path]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	if !ok {
		return ProbeResult{}, errors.New("応答なし")
	}
	return result, nil
}

// Probed はハンドシェイクを試みたポートを順に返す
func (m *MockScanner) Probed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.probed...)
}

// Update は検出結果をロックを取って書き換える。動作中のRegistryと並行して使う
func (m *MockScanner) Update(fn func(m *MockScanner)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Clear は全デバイスを取り外した状態にする
func (m *MockScanner) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cameras = nil
	m.Microphones = nil
	m.Speakers = nil
	m.Ports = nil
	m.Responders = make(map[string]ProbeResult)
}

// NewMockOptions はMockScannerを全スキャナーに設定したOptionsを作成する
func NewMockOptions(m *MockScanner, store Store) Options {
	return Options{
		Video:  m,
		Audio:  m,
		Serial: m,
		Prober: m,
		Store:  store,
		Getenv: func(string) string { return "" },
	}
}
