package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Input errors are the caller's fault and are never retried;
// upstream errors surface after internal retries are exhausted; consistency
// errors are fatal configuration or invariant violations.
var (
	// Input errors.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyDocument     = errors.New("document produced no text units")
	ErrInvalidOwner      = errors.New("invalid owner")
	ErrInvalidQuestion   = errors.New("invalid question")

	// Upstream errors.
	ErrEmbeddingFailure = errors.New("embedding service failure")
	ErrLanguageModel    = errors.New("language model failure")

	// Consistency errors.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// Empty-result conditions. Not failures: callers render these as
	// informational outcomes, never as 5xx-style errors.
	ErrNoContext        = errors.New("no relevant data for this query")
	ErrDocumentNotFound = errors.New("document not found")
)

// IsInputError reports whether err is the caller's fault (4xx-style).
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, ErrInvalidQuestion)
}

// IsUpstreamError reports whether err is an exhausted-retry upstream failure
// (retry-later, 5xx-style).
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrEmbeddingFailure) || errors.Is(err, ErrLanguageModel)
}

// IsEmptyResult reports whether err is a distinguished empty/zero-data
// outcome rather than a failure.
func IsEmptyResult(err error) bool {
	return errors.Is(err, ErrNoContext) || errors.Is(err, ErrDocumentNotFound)
}

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
