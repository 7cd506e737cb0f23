package bandit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists arm posteriors across restarts. Load returning an empty
// slice means no snapshot exists yet; the selector then starts from the
// default priors.
type Store interface {
	Load() ([]Arm, error)
	Save(arms []Arm) error
}

// MemoryStore keeps the snapshot in process. Used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	arms []Arm
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load() ([]Arm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Arm, len(s.arms))
	copy(out, s.arms)
	return out, nil
}

func (s *MemoryStore) Save(arms []Arm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arms = make([]Arm, len(arms))
	copy(s.arms, arms)
	return nil
}

// FileStore writes the snapshot as JSON with an atomic rename, so a crash
// mid-save never corrupts the previous snapshot.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Load() ([]Arm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read arm snapshot: %w", err)
	}
	var arms []Arm
	if err := json.Unmarshal(data, &arms); err != nil {
		return nil, fmt.Errorf("corrupt arm snapshot %s: %w", s.path, err)
	}
	return arms, nil
}

func (s *FileStore) Save(arms []Arm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(arms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal arm snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write arm snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace arm snapshot: %w", err)
	}
	return nil
}
