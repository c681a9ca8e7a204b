package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitProvider throttles calls to an inner provider under
// request-per-minute and token-per-minute budgets. Token usage is
// estimated from input length before the call, so a burst of large
// requests queues instead of tripping upstream 429s.
type RateLimitProvider struct {
	inner Provider
	req   *rate.Limiter
	tok   *rate.Limiter
}

// NewRateLimitProvider wraps a provider with rate limiting. An rpm or
// tpm of zero disables that budget.
func NewRateLimitProvider(inner Provider, rpm, tpm int) *RateLimitProvider {
	reqLim := rate.NewLimiter(rate.Inf, 0)
	if rpm > 0 {
		burst := rpm / 6
		if burst < 1 {
			burst = 1
		}
		reqLim = rate.NewLimiter(rate.Limit(rpm)/60, burst)
	}

	tokLim := rate.NewLimiter(rate.Inf, 0)
	if tpm > 0 {
		tokLim = rate.NewLimiter(rate.Limit(tpm)/60, tpm)
	}

	return &RateLimitProvider{inner: inner, req: reqLim, tok: tokLim}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string { return r.inner.Name() }

// Complete implements Provider.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	size := len(prompt.SystemPrompt)
	for _, m := range prompt.Messages {
		size += len(m.Content)
	}
	if err := r.wait(ctx, size); err != nil {
		return nil, err
	}
	return r.inner.Complete(ctx, prompt, opts)
}

// Embed implements Provider.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	size := 0
	for _, t := range texts {
		size += len(t)
	}
	if err := r.wait(ctx, size); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

func (r *RateLimitProvider) wait(ctx context.Context, byteSize int) error {
	if err := r.req.Wait(ctx); err != nil {
		return err
	}
	n := estimateTokens(byteSize)
	if limit := r.tok.Burst(); limit > 0 && n > limit {
		n = limit
	}
	return r.tok.WaitN(ctx, n)
}

// estimateTokens approximates token count as four bytes per token.
func estimateTokens(byteSize int) int {
	n := byteSize / 4
	if n < 1 {
		n = 1
	}
	return n
}
