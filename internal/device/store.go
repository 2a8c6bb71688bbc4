package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store は選択結果の保存先
type Store interface {
	// Load は保存済みの選択を返す。保存が無ければ ok=false
	Load() (profiles Profiles, ok bool, err error)
	Save(profiles Profiles) error
}

// FileStore はYAMLファイルに選択結果を保存する
type FileStore struct {
	path string
}

// NewFileStore は新しいFileStoreを作成する
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type stateFile struct {
	Version  int      `yaml:"version"`
	Profiles Profiles `yaml:"profiles"`
}

// Load はファイルから選択結果を読む
func (s *FileStore) Load() (Profiles, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Profiles{}, false, nil
	}
	if err != nil {
		return Profiles{}, false, fmt.Errorf("状態ファイル %s の読み込みに失敗: %w", s.path, err)
	}

	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return Profiles{}, false, fmt.Errorf("状態ファイル %s の解析に失敗: %w", s.path, err)
	}
	return state.Profiles, true, nil
}

// Save は一時ファイル経由で選択結果を書き込む
func (s *FileStore) Save(profiles Profiles) error {
	data, err := yaml.Marshal(stateFile{Version: 1, Profiles: profiles})
	if err != nil {
		return fmt.Errorf("状態のシリアライズに失敗: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("状態ディレクトリの作成に失敗: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("状態ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("状態ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

// MemoryStore はメモリ上に保存するStore
type MemoryStore struct {
	mu       sync.Mutex
	profiles Profiles
	saved    bool
	saves    int
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Profiles, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles, s.saved, nil
}

func (s *MemoryStore) Save(profiles Profiles) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = profiles
	s.saved = true
	s.saves++
	return nil
}

// Saves は保存回数を返す
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
