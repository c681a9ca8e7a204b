package semantic

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/datasage-io/datasage/engine/domain"
)

// Memory is a brute-force in-process Store with exact cosine scoring
// and no persistence. It backs tests and single-node development.
type Memory struct {
	mu     sync.RWMutex
	dims   int
	docs   map[string]domain.Document
	chunks map[string][]domain.Chunk // by document ID
}

// NewMemory creates an empty in-memory store expecting vectors of the
// given dimensionality.
func NewMemory(dims int) *Memory {
	return &Memory{
		dims:   dims,
		docs:   make(map[string]domain.Document),
		chunks: make(map[string][]domain.Chunk),
	}
}

// PutChunks implements Store.
func (m *Memory) PutChunks(_ context.Context, doc domain.Document, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != m.dims {
			return domain.NewValidationError("embedding", c.ID, domain.ErrDimensionMismatch)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc.ChunkCount = len(chunks)
	m.docs[doc.ID] = doc
	m.chunks[doc.ID] = append([]domain.Chunk(nil), chunks...)
	return nil
}

// DeleteDocument implements Store.
func (m *Memory) DeleteDocument(_ context.Context, owner, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[documentID]
	if !ok || doc.Owner != owner {
		return domain.ErrDocumentNotFound
	}
	delete(m.docs, documentID)
	delete(m.chunks, documentID)
	return nil
}

// ListDocuments implements Store.
func (m *Memory) ListDocuments(_ context.Context, owner string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Document, 0)
	for _, doc := range m.docs {
		if doc.Owner == owner {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetDocument implements Store.
func (m *Memory) GetDocument(_ context.Context, owner, documentID string) (domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[documentID]
	if !ok || doc.Owner != owner {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	return doc, nil
}

// Search implements Store.
func (m *Memory) Search(_ context.Context, owner string, vector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for docID, chunks := range m.chunks {
		doc := m.docs[docID]
		if doc.Owner != owner {
			continue
		}
		if len(opts.DocumentIDs) > 0 && !slices.Contains(opts.DocumentIDs, docID) {
			continue
		}
		for _, c := range chunks {
			hits = append(hits, Hit{
				Chunk:    c,
				Filename: doc.Filename,
				Score:    cosine(vector, c.Embedding),
			})
		}
	}

	sortHits(hits)
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	if opts.MinScore > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.Score >= opts.MinScore {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }

// cosine computes exact cosine similarity, tolerating unnormalized
// input. Zero vectors score zero.
func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
