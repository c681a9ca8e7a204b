package embed

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite"
)

// Cache persists embeddings in SQLite so re-ingesting the same rows
// never re-pays the provider. Keys are sha256(model|text), so the same
// text under a different model is a distinct entry.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache database at path. Use
// ":memory:" for an ephemeral cache.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("embed cache open: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			key        TEXT PRIMARY KEY,
			model      TEXT NOT NULL,
			vector     BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embed cache schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached vector for model and text, or nil on a miss.
func (c *Cache) Get(ctx context.Context, model, text string) ([]float32, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE key = ?`, cacheKey(model, text),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unpackVector(blob), nil
}

// Put stores a vector, replacing any previous entry for the same key.
func (c *Cache) Put(ctx context.Context, model, text string, vec []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (key, model, vector) VALUES (?, ?, ?)`,
		cacheKey(model, text), model, packVector(vec),
	)
	return err
}

// Len reports the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, err
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return hex.EncodeToString(sum[:])
}

func packVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
