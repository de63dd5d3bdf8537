// Package engram is a semantic memory engine: it ingests free-form text
// artifacts, extracts structured semantic events and entities in the
// background, and answers natural-language queries with fused vector search
// plus graph expansion.
package engram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/chunker"
	"github.com/engramdev/engram/extract"
	"github.com/engramdev/engram/ingest"
	"github.com/engramdev/engram/llm"
	"github.com/engramdev/engram/resolve"
	"github.com/engramdev/engram/retrieval"
	"github.com/engramdev/engram/store"
	"github.com/engramdev/engram/vecstore"
	"github.com/engramdev/engram/worker"
)

// Memory wires all engram components behind one facade.
type Memory struct {
	cfg Config

	store    *store.Store
	vectors  *vecstore.Store
	embedder *llm.Embedder
	chunker  *chunker.Chunker

	pipeline *ingest.Pipeline
	engine   *retrieval.Engine

	extractor *extract.Extractor
	resolver  *resolve.Resolver
}

// New connects to both stores, runs migrations, ensures the vector
// collections, and wires the full pipeline.
func New(ctx context.Context, cfg Config) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(ctx, store.Config{
		URL:          cfg.PostgresURL,
		MinConns:     cfg.PoolMin,
		MaxConns:     cfg.PoolMax,
		EmbeddingDim: cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, err
	}

	vs, err := vecstore.New(vecstore.Config{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Dimensions: cfg.EmbeddingDim,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := vs.EnsureCollections(ctx); err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	embedProvider, err := llm.NewProvider(llm.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		TimeoutS:   cfg.EmbeddingTimeoutS,
		MaxRetries: cfg.EmbeddingMaxRetries,
	})
	if err != nil {
		st.Close()
		vs.Close()
		return nil, fmt.Errorf("%w: embedding provider: %v", apperr.ErrInvalidConfig, err)
	}
	extractProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Extraction.Provider,
		Model:    cfg.Extraction.Model,
		BaseURL:  cfg.Extraction.BaseURL,
		APIKey:   cfg.Extraction.APIKey,
	})
	if err != nil {
		st.Close()
		vs.Close()
		return nil, fmt.Errorf("%w: extraction provider: %v", apperr.ErrInvalidConfig, err)
	}

	embedder := llm.NewEmbedder(embedProvider, llm.EmbedderConfig{
		Dimensions:  cfg.EmbeddingDim,
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.ProviderConcurrency,
		TimeoutS:    cfg.EmbeddingTimeoutS,
	})

	ch, err := chunker.New(chunker.Config{
		SinglePieceMax: cfg.SinglePieceMaxTokens,
		Target:         cfg.ChunkTargetTokens,
		Overlap:        cfg.ChunkOverlapTokens,
	})
	if err != nil {
		st.Close()
		vs.Close()
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidConfig, err)
	}

	m := &Memory{
		cfg:      cfg,
		store:    st,
		vectors:  vs,
		embedder: embedder,
		chunker:  ch,
		pipeline: ingest.New(st, vs, embedder, ch, cfg.EventMaxAttempts),
		engine: retrieval.New(vs, st, embedder, retrieval.Config{
			Overfetch:            cfg.RetrievalOverfetch,
			RRFK:                 cfg.RRFConstant,
			GraphDepth:           cfg.GraphDepth,
			GraphBudget:          cfg.GraphBudget,
			HopWeight:            cfg.GraphHopWeight,
			SharedEntityWeight:   cfg.GraphSharedEntityWeight,
			EdgeConfidenceWeight: cfg.GraphEdgeConfidenceWeight,
			Budget:               time.Duration(cfg.RecallBudgetMs) * time.Millisecond,
			Relations:            cfg.GraphRelations,
		}),
		extractor: extract.New(extractProvider),
		resolver:  resolve.New(st, embedder, cfg.EntityMergeThreshold, cfg.EntityReviewThreshold),
	}
	return m, nil
}

// Remember ingests one artifact and enqueues its extraction.
func (m *Memory) Remember(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	return m.pipeline.Remember(ctx, req)
}

// Recall answers a natural-language query.
func (m *Memory) Recall(ctx context.Context, opts retrieval.Options) (*retrieval.Response, error) {
	return m.engine.Recall(ctx, opts)
}

// RecallByID returns one artifact by its content-addressed handle.
func (m *Memory) RecallByID(ctx context.Context, artifactID string, includeEvents bool) (*retrieval.Response, error) {
	return m.engine.ByID(ctx, artifactID, includeEvents)
}

// ForgetResult reports what a forget deleted.
type ForgetResult struct {
	ArtifactID string              `json:"artifact_id"`
	Deleted    store.DeletedCounts `json:"deleted"`
}

// Forget removes the revision addressed by artifactID from both stores:
// its vector points, chunks, events, evidence, mentions, and edges. Entity
// rows are preserved.
func (m *Memory) Forget(ctx context.Context, artifactID string) (*ForgetResult, error) {
	rev, err := m.store.GetRevisionByArtifactID(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	// Vector side first. If the relational delete then fails the points are
	// already gone and recall's stale filter hides the leftover row.
	if err := m.vectors.DeleteByArtifact(ctx, artifactID); err != nil {
		return nil, err
	}

	counts, err := m.store.ForgetRevision(ctx, rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		return nil, err
	}

	slog.Info("engram: artifact forgotten",
		"artifact_id", artifactID,
		"artifact_uid", rev.ArtifactUID,
		"revision_id", rev.RevisionID,
		"chunks", counts.Chunks,
		"events", counts.Events,
	)
	return &ForgetResult{ArtifactID: artifactID, Deleted: counts}, nil
}

// Status is the health summary returned by the status operation.
type Status struct {
	Postgres  ComponentHealth  `json:"postgres"`
	Qdrant    ComponentHealth  `json:"qdrant"`
	Embedding ComponentHealth  `json:"embedding"`
	Queue     store.QueueStats `json:"queue"`
}

// ComponentHealth is one dependency's reachability.
type ComponentHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CheckStatus pings every dependency and reads the queue depth.
func (m *Memory) CheckStatus(ctx context.Context) (*Status, error) {
	st := &Status{}

	st.Postgres = checkHealth(m.store.Ping(ctx))
	st.Qdrant = checkHealth(m.vectors.HealthCheck(ctx))

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := m.embedder.EmbedOne(pingCtx, "ping")
	cancel()
	st.Embedding = checkHealth(err)

	if st.Postgres.OK {
		depth, err := m.store.QueueDepth(ctx, store.JobTypeExtractEvents)
		if err != nil {
			return nil, err
		}
		st.Queue = depth
	}
	return st, nil
}

func checkHealth(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{OK: false, Error: err.Error()}
	}
	return ComponentHealth{OK: true}
}

// NewWorker builds an extraction worker wired to this memory's components.
// Callers run as many as they want; the queue's claim discipline keeps them
// from stepping on each other.
func (m *Memory) NewWorker(workerID string) *worker.Worker {
	return worker.New(m.store, m.extractor, m.resolver, m.embedder, worker.Config{
		WorkerID:       workerID,
		PollInterval:   time.Duration(m.cfg.QueuePollIntervalMs) * time.Millisecond,
		StuckThreshold: time.Duration(m.cfg.StuckJobThresholdS) * time.Second,
	})
}

// Close releases both store connections.
func (m *Memory) Close() {
	m.store.Close()
	if err := m.vectors.Close(); err != nil {
		slog.Warn("engram: closing vector store", "error", err)
	}
}
