package calibration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store persists the calibration history as one ordered list.
type Store interface {
	Load(ctx context.Context) ([]HistoryItem, error)
	Save(ctx context.Context, items []HistoryItem) error
}

// FileStore keeps the history in a YAML file. Offsets that were not sampled
// are written as .nan.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the history. A missing file is an empty history.
func (s *FileStore) Load(ctx context.Context) ([]HistoryItem, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []HistoryItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return items, nil
}

// Save replaces the file through a temp file and rename.
func (s *FileStore) Save(ctx context.Context, items []HistoryItem) error {
	data, err := yaml.Marshal(items)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
