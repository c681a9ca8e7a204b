// Package semantic owns chunk persistence and similarity search. Every
// implementation scopes reads, searches, and deletes by owner inside the
// store itself; callers never post-filter results for visibility.
package semantic

import (
	"context"
	"sort"

	"github.com/datasage-io/datasage/engine/domain"
)

// DefaultTopK is the result count when SearchOptions.TopK is unset.
const DefaultTopK = 5

// Hit is a single similarity search result. Score is cosine similarity
// in [-1, 1]; higher is closer.
type Hit struct {
	Chunk    domain.Chunk `json:"chunk"`
	Filename string       `json:"filename"`
	Score    float32      `json:"score"`
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// TopK caps the number of hits. Zero or negative means DefaultTopK.
	TopK int
	// DocumentIDs restricts the search to a set of documents. Empty
	// searches the owner's whole corpus.
	DocumentIDs []string
	// MinScore drops hits scoring below the floor. Zero disables it.
	MinScore float32
}

// Store is the persistence port for documents and their chunks.
type Store interface {
	// PutChunks persists a document and its chunks atomically: either
	// every chunk is stored or none are. Re-putting a document ID
	// replaces its chunks.
	PutChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error

	// DeleteDocument removes a document and all its chunks. Returns
	// domain.ErrDocumentNotFound when the owner has no such document.
	DeleteDocument(ctx context.Context, owner, documentID string) error

	// ListDocuments returns the owner's documents, newest first.
	ListDocuments(ctx context.Context, owner string) ([]domain.Document, error)

	// GetDocument returns one document scoped to the owner.
	GetDocument(ctx context.Context, owner, documentID string) (domain.Document, error)

	// Search returns the owner's nearest chunks ordered by score
	// descending. Ties break by ordinal ascending, then chunk ID.
	// An empty corpus yields an empty slice and no error.
	Search(ctx context.Context, owner string, vector []float32, opts SearchOptions) ([]Hit, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// sortHits orders hits by score descending with the deterministic
// tie-break every store shares.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.Ordinal != hits[j].Chunk.Ordinal {
			return hits[i].Chunk.Ordinal < hits[j].Chunk.Ordinal
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
}
