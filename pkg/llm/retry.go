package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first call (0 = no retries)
	RetryDelay time.Duration // initial delay between retries
	MaxDelay   time.Duration // caps exponential backoff
	Timeout    time.Duration // per-attempt timeout
}

// DefaultRetryConfig returns the standard policy: three retries with
// exponential backoff starting at one second.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    2 * time.Minute,
	}
}

// RetryProvider wraps a Provider with per-attempt timeouts and
// exponential backoff on transient failures. Permanent failures (4xx
// other than 429, caller cancellation) return immediately.
type RetryProvider struct {
	inner  Provider
	config *RetryConfig
}

// NewRetryProvider wraps an existing provider with retry logic.
func NewRetryProvider(inner Provider, config *RetryConfig) *RetryProvider {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryProvider{inner: inner, config: config}
}

// Name returns the underlying provider name.
func (r *RetryProvider) Name() string { return r.inner.Name() }

// Complete implements Provider.
func (r *RetryProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	return retryCall(ctx, r.config, func(attemptCtx context.Context) (*Response, error) {
		return r.inner.Complete(attemptCtx, prompt, opts)
	})
}

// Embed implements Provider.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryCall(ctx, r.config, func(attemptCtx context.Context) ([][]float32, error) {
		return r.inner.Embed(attemptCtx, texts)
	})
}

func retryCall[T any](ctx context.Context, cfg *RetryConfig, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		out, err := call(attemptCtx)
		cancel()

		if err == nil {
			return out, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("llm: %d retries exceeded: %w", cfg.MaxRetries, lastErr)
}

func backoff(cfg *RetryConfig, attempt int) time.Duration {
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return delay
}

// retryable classifies an error as transient. Upstream overload (429,
// 5xx) and timeouts retry; caller cancellation and other client errors
// do not. Unknown errors retry.
func retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return true
		case apiErr.Status >= 500:
			return true
		default:
			return false
		}
	}

	return true
}
