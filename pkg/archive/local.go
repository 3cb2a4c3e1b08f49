package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalBackend writes archive objects under a directory on the local
// filesystem. Writes go through a temp file and rename so a crashed
// archive never leaves a truncated object behind.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the archive root directory if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

// Put implements Backend.
func (l *LocalBackend) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	dest := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	return "file://" + dest, nil
}
