package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindClassifiesWrappedChains(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("remember: %w: content empty", ErrValidation), KindValidation},
		{fmt.Errorf("%w: artifact art_123", ErrNotFound), KindNotFound},
		{fmt.Errorf("phase 1: %w", ErrEmbeddingFailed), KindEmbedding},
		{fmt.Errorf("%w: upsert", ErrStorage), KindStorage},
		{fmt.Errorf("chunk 3: %w: bad json", ErrExtraction), KindExtraction},
		{fmt.Errorf("%w", ErrTimeout), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("%w after 3 tries", ErrRateLimited), KindRateLimit},
		{ErrInternal, KindInternal},
		{errors.New("something unrecognized"), KindInternal},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	retryable := []error{ErrExtraction, ErrTimeout, ErrRateLimited, ErrEmbeddingFailed, ErrStorage}
	for _, err := range retryable {
		if !Retryable(fmt.Errorf("job: %w", err)) {
			t.Errorf("Retryable(%v) = false, want true", err)
		}
	}

	permanent := []error{ErrValidation, ErrNotFound, ErrInternal, errors.New("unknown")}
	for _, err := range permanent {
		if Retryable(err) {
			t.Errorf("Retryable(%v) = true, want false", err)
		}
	}
}
