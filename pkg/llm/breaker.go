package llm

import (
	"context"
	"errors"

	"github.com/datasage-io/datasage/pkg/resilience"
)

// BreakerProvider fails fast once an inner provider has failed repeatedly,
// sparing a struggling upstream from a thundering herd. Completion and
// embedding calls trip independently, so a broken chat model does not
// block ingestion.
type BreakerProvider struct {
	inner    Provider
	complete *resilience.Breaker
	embed    *resilience.Breaker
}

// NewBreakerProvider wraps a provider with circuit breakers. Caller
// cancellation never counts against the failure threshold.
func NewBreakerProvider(inner Provider, opts resilience.BreakerOpts) *BreakerProvider {
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &BreakerProvider{
		inner:    inner,
		complete: resilience.NewBreaker(opts),
		embed:    resilience.NewBreaker(opts),
	}
}

// Name returns the underlying provider name.
func (b *BreakerProvider) Name() string { return b.inner.Name() }

// Complete implements Provider.
func (b *BreakerProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	var resp *Response
	err := b.complete.Call(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = b.inner.Complete(ctx, prompt, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Embed implements Provider.
func (b *BreakerProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := b.embed.Call(ctx, func(ctx context.Context) error {
		var callErr error
		vectors, callErr = b.inner.Embed(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
