// Package blob archives raw uploads so async ingestion and reindexing can
// fetch the original bytes by key. Two backends: a local directory for
// development and S3 for deployments.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob: not found")

// Store is the raw-upload archive.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Backend selects the storage implementation.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
)

// Config holds the settings for either backend.
type Config struct {
	Backend Backend

	// Dir is the base directory for the local backend.
	Dir string

	// S3 settings. Credentials fall back to the ambient AWS chain when
	// the static pair is empty.
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// New builds the configured store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewLocal(cfg.Dir)
	case BackendS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}

// NewKey mints a unique storage key for an upload, sharded on the first
// two characters of its id so no single directory grows unbounded.
func NewKey(owner, filename string) string {
	id := uuid.NewString()
	ext := filepath.Ext(filename)
	base := sanitize(strings.TrimSuffix(filepath.Base(filename), ext))
	return fmt.Sprintf("%s/%s/%s_%s%s", sanitize(owner), id[:2], id, base, ext)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}
