// Package embed provides the embedding gateway: a validated, batched,
// cached front over a model provider. All vectors produced here are
// L2-normalized and dimension-checked before anything downstream sees
// them.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/pkg/fn"
	"github.com/datasage-io/datasage/pkg/llm"
)

// BatchSize is the max texts per provider request.
const BatchSize = 100

// Config holds gateway settings.
type Config struct {
	// Dimensions is the vector size every embedding must have.
	Dimensions int
	// Model namespaces cache keys so switching models never serves
	// stale vectors.
	Model string
	// Cache is optional. Nil disables caching.
	Cache *Cache
	// Logger is optional.
	Logger *slog.Logger
}

// Gateway batches, verifies, and caches embedding calls.
type Gateway struct {
	provider llm.Provider
	cache    *Cache
	dims     int
	model    string
	log      *slog.Logger
}

// NewGateway wraps a provider. Retry and rate limiting belong on the
// provider itself (llm.RetryProvider, llm.RateLimitProvider); the
// gateway only batches and verifies.
func NewGateway(provider llm.Provider, cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		provider: provider,
		cache:    cfg.Cache,
		dims:     cfg.Dimensions,
		model:    cfg.Model,
		log:      log,
	}
}

// Dimensions returns the configured vector size.
func (g *Gateway) Dimensions() int { return g.dims }

// Validate probes the provider with a single embedding call and checks
// the returned vector matches the configured dimensionality. Run this
// at startup so a misconfigured model fails fast instead of corrupting
// the store.
func (g *Gateway) Validate(ctx context.Context) error {
	vecs, err := g.provider.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("%w: probe: %w", domain.ErrEmbeddingFailure, err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("%w: probe returned %d vectors", domain.ErrEmbeddingFailure, len(vecs))
	}
	if len(vecs[0]) != g.dims {
		return fmt.Errorf("%w: provider %s returns %d dims, configured for %d",
			domain.ErrDimensionMismatch, g.provider.Name(), len(vecs[0]), g.dims)
	}
	return nil
}

// EmbedBatch returns one normalized vector per input text, in input
// order. The call is all-or-nothing: any batch failure discards every
// result. Cached texts skip the provider entirely.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if vec := g.cacheGet(ctx, text); vec != nil {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}

	batches := fn.Chunk(missIdx, BatchSize)
	for _, batch := range batches {
		batchTexts := make([]string, len(batch))
		for j, idx := range batch {
			batchTexts[j] = texts[idx]
		}

		vecs, err := g.provider.Embed(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
		}
		if len(vecs) != len(batchTexts) {
			return nil, fmt.Errorf("%w: requested %d embeddings, got %d",
				domain.ErrEmbeddingFailure, len(batchTexts), len(vecs))
		}

		for j, vec := range vecs {
			if len(vec) != g.dims {
				return nil, fmt.Errorf("%w: vector %d has %d dims, want %d",
					domain.ErrDimensionMismatch, batch[j], len(vec), g.dims)
			}
			normalize(vec)
			out[batch[j]] = vec
			g.cachePut(ctx, texts[batch[j]], vec)
		}
	}

	return out, nil
}

// EmbedQuery embeds a single text. Used on the retrieval path.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) cacheGet(ctx context.Context, text string) []float32 {
	if g.cache == nil {
		return nil
	}
	vec, err := g.cache.Get(ctx, g.model, text)
	if err != nil {
		g.log.Warn("embed: cache read failed", "error", err)
		return nil
	}
	if vec != nil && len(vec) != g.dims {
		// A model change without a cache wipe leaves stale sizes behind.
		return nil
	}
	return vec
}

func (g *Gateway) cachePut(ctx context.Context, text string, vec []float32) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(ctx, g.model, text, vec); err != nil {
		g.log.Warn("embed: cache write failed", "error", err)
	}
}

// normalize scales vec to unit length in place. Zero vectors are left
// untouched.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
