// Package apperr defines the stable error taxonomy surfaced to callers and
// recorded on failed jobs. Components wrap these sentinels with
// fmt.Errorf("…: %w", …) so Kind can classify an error chain anywhere in
// the process.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrValidation is returned when caller input fails validation.
	ErrValidation = errors.New("engram: validation failed")

	// ErrNotFound is returned when an artifact, event, or entity id does not exist.
	ErrNotFound = errors.New("engram: not found")

	// ErrEmbeddingFailed is returned when the embedding provider fails after retries.
	ErrEmbeddingFailed = errors.New("engram: embedding generation failed")

	// ErrStorage is returned when a vector-store or relational-store operation fails.
	ErrStorage = errors.New("engram: storage operation failed")

	// ErrExtraction is returned when the LLM extractor returns unparseable output.
	ErrExtraction = errors.New("engram: extraction output unparseable")

	// ErrTimeout is returned when a bounded operation exceeds its deadline.
	ErrTimeout = errors.New("engram: operation timed out")

	// ErrRateLimited is returned when an external provider throttles us.
	ErrRateLimited = errors.New("engram: provider rate limited")

	// ErrInternal is returned on invariant violations. Never retried.
	ErrInternal = errors.New("engram: internal invariant violation")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("engram: invalid configuration")
)

// Error kind codes surfaced to callers and recorded on failed jobs.
const (
	KindValidation = "VALIDATION_ERROR"
	KindNotFound   = "NOT_FOUND"
	KindEmbedding  = "EMBEDDING_ERROR"
	KindStorage    = "STORAGE_ERROR"
	KindExtraction = "EXTRACTION_ERROR"
	KindTimeout    = "TIMEOUT"
	KindRateLimit  = "RATE_LIMIT"
	KindInternal   = "INTERNAL_ERROR"
)

// Kind classifies an error chain into one of the stable error codes.
// Unrecognized errors classify as INTERNAL_ERROR.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmbeddingFailed):
		return KindEmbedding
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrExtraction):
		return KindExtraction
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	default:
		return KindInternal
	}
}

// Retryable reports whether background work failing with err should be
// re-enqueued. Validation, not-found, and internal errors are never retried.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindExtraction, KindTimeout, KindRateLimit, KindEmbedding, KindStorage:
		return true
	default:
		return false
	}
}
