package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/engramdev/engram/apperr"
)

// Embedder wraps a Provider with batching, a process-wide concurrency cap,
// and per-call timeouts. All embedding traffic in the process should go
// through a single Embedder so the cap actually holds.
type Embedder struct {
	provider  Provider
	sem       *semaphore.Weighted
	batchSize int
	dim       int
	timeout   time.Duration
}

// EmbedderConfig configures an Embedder.
type EmbedderConfig struct {
	Dimensions  int // expected embedding width, rejects mismatched responses
	BatchSize   int // max texts per provider call, default 2048
	Concurrency int // max in-flight provider calls, default 8
	TimeoutS    int // per-call timeout in seconds, default 30
}

// NewEmbedder creates an Embedder over the given provider.
func NewEmbedder(provider Provider, cfg EmbedderConfig) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2048
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TimeoutS <= 0 {
		cfg.TimeoutS = 30
	}
	return &Embedder{
		provider:  provider,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		batchSize: cfg.BatchSize,
		dim:       cfg.Dimensions,
		timeout:   time.Duration(cfg.TimeoutS) * time.Second,
	}
}

// Embed generates embeddings for texts, batching provider calls and
// preserving input order. The returned slice is index-aligned with texts.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		copy(out[start:end], batch)
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.provider.Embed(callCtx, texts)
	if err != nil {
		return nil, classifyProviderErr(err)
	}

	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d embeddings for %d texts",
			apperr.ErrEmbeddingFailed, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", apperr.ErrEmbeddingFailed, i)
		}
		if e.dim > 0 && len(v) != e.dim {
			return nil, fmt.Errorf("%w: embedding at index %d has %d dimensions, want %d",
				apperr.ErrEmbeddingFailed, i, len(v), e.dim)
		}
	}
	return vecs, nil
}

// classifyProviderErr maps transport-level failures onto the stable error
// taxonomy so callers and the job queue can classify them.
func classifyProviderErr(err error) error {
	switch {
	case errors.Is(err, ErrThrottled):
		return fmt.Errorf("%w: %v", apperr.ErrRateLimited, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", apperr.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", apperr.ErrEmbeddingFailed, err)
	}
}
