package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aiondist/fedtune/pkg/errors"
)

// ObjectStore is the durable blob storage collaborator: store bytes under
// a key, fetch bytes by key. Put must be atomic; readers never observe a
// partially written object under its final key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type fsStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore returns an ObjectStore rooted at dir. Writes go to a
// temporary file first and are renamed into place, so a crash mid-write
// leaves no visible object under the final key.
func NewFSStore(dir string) (ObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &fsStore{root: dir}, nil
}

func (s *fsStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to commit object: %w", err)
	}

	return nil
}

func (s *fsStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

func (s *fsStore) path(key string) (string, error) {
	if key == "" {
		return "", errors.ErrEmptyKey
	}
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.ErrInvalidData
	}

	return filepath.Join(s.root, clean), nil
}
