package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs under a base directory.
type Local struct {
	base string
}

// NewLocal creates the base directory if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "data/uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve %s: %w", dir, err)
	}
	return &Local{base: abs}, nil
}

// Put implements Store.
func (l *Local) Put(_ context.Context, key string, data []byte) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (l *Local) Delete(_ context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

// resolve maps a key into the base directory. Keys arrive over the job
// queue, so anything escaping the base is rejected.
func (l *Local) resolve(key string) (string, error) {
	path := filepath.Join(l.base, filepath.FromSlash(key))
	if path != l.base && !strings.HasPrefix(path, l.base+string(filepath.Separator)) {
		return "", fmt.Errorf("blob: key %q escapes the store", key)
	}
	return path, nil
}
