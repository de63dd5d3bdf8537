package engram

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/store"
)

// Config holds all configuration for the engram memory engine.
type Config struct {
	// PostgresURL is the DSN for the relational store.
	PostgresURL string `json:"postgres_url"`

	// Connection pool bounds for the relational store.
	PoolMin int `json:"pool_min"`
	PoolMax int `json:"pool_max"`

	// Qdrant connection for the vector store.
	QdrantHost   string `json:"qdrant_host"`
	QdrantPort   int    `json:"qdrant_port"`
	QdrantAPIKey string `json:"qdrant_api_key"`
	QdrantUseTLS bool   `json:"qdrant_use_tls"`

	// LLM providers: embedding for vectors, extraction for semantic events.
	Embedding  LLMConfig `json:"embedding"`
	Extraction LLMConfig `json:"extraction"`

	// Embedding behaviour.
	EmbeddingDim        int `json:"embedding_dimensions"`
	EmbeddingBatchSize  int `json:"embedding_batch_size"`
	EmbeddingMaxRetries int `json:"embedding_max_retries"`
	EmbeddingTimeoutS   int `json:"embedding_timeout_s"`

	// ProviderConcurrency bounds in-flight embedding/LLM calls process-wide.
	ProviderConcurrency int `json:"provider_concurrency"`

	// Chunking.
	SinglePieceMaxTokens int `json:"single_piece_max_tokens"`
	ChunkTargetTokens    int `json:"chunk_target_tokens"`
	ChunkOverlapTokens   int `json:"chunk_overlap_tokens"`

	// Retrieval.
	RRFConstant        int `json:"rrf_constant"`
	RetrievalOverfetch int `json:"retrieval_overfetch"`
	GraphDepth         int `json:"graph_depth"`
	GraphBudget        int `json:"graph_budget"`
	RecallBudgetMs     int `json:"recall_budget_ms"`

	// Graph relevance scoring weights (tunable; see retrieval package).
	GraphHopWeight            float64 `json:"graph_hop_weight"`
	GraphSharedEntityWeight   float64 `json:"graph_shared_entity_weight"`
	GraphEdgeConfidenceWeight float64 `json:"graph_edge_confidence_weight"`

	// GraphRelations enumerates the relations traversed during expansion.
	GraphRelations []string `json:"graph_relations"`

	// Entity resolution thresholds.
	EntityMergeThreshold  float64 `json:"entity_merge_threshold"`
	EntityReviewThreshold float64 `json:"entity_review_threshold"`

	// Worker / job queue.
	QueuePollIntervalMs int    `json:"queue_poll_interval_ms"`
	EventMaxAttempts    int    `json:"event_max_attempts"`
	WorkerID            string `json:"worker_id"`
	WorkerCount         int    `json:"worker_count"`
	StuckJobThresholdS  int    `json:"stuck_job_threshold_s"`

	// Log level: debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // openai, ollama, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		PostgresURL: "postgres://localhost:5432/engram",
		PoolMin:     2,
		PoolMax:     10,
		QdrantHost:  "localhost",
		QdrantPort:  6334,
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-large",
		},
		Extraction: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		EmbeddingDim:              3072,
		EmbeddingBatchSize:        2048,
		EmbeddingMaxRetries:       3,
		EmbeddingTimeoutS:         30,
		ProviderConcurrency:       8,
		SinglePieceMaxTokens:      1200,
		ChunkTargetTokens:         900,
		ChunkOverlapTokens:        100,
		RRFConstant:               60,
		RetrievalOverfetch:        3,
		GraphDepth:                2,
		GraphBudget:               20,
		RecallBudgetMs:            10000,
		GraphHopWeight:            1.0,
		GraphSharedEntityWeight:   0.1,
		GraphEdgeConfidenceWeight: 0.05,
		GraphRelations: []string{
			"event_actor", "event_subject", "entity_edge", "revision_membership",
		},
		EntityMergeThreshold:  0.85,
		EntityReviewThreshold: 0.70,
		QueuePollIntervalMs:   1000,
		EventMaxAttempts:      5,
		WorkerCount:           2,
		StuckJobThresholdS:    300,
		LogLevel:              "info",
	}
}

// ConfigFromEnv builds a Config from environment variables layered over
// DefaultConfig. Unset variables keep their defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	strVar(&cfg.PostgresURL, "ENGRAM_POSTGRES_URL", "DATABASE_URL")
	intVar(&cfg.PoolMin, "ENGRAM_POOL_MIN")
	intVar(&cfg.PoolMax, "ENGRAM_POOL_MAX")

	strVar(&cfg.QdrantHost, "ENGRAM_QDRANT_HOST")
	intVar(&cfg.QdrantPort, "ENGRAM_QDRANT_PORT")
	strVar(&cfg.QdrantAPIKey, "ENGRAM_QDRANT_API_KEY")
	boolVar(&cfg.QdrantUseTLS, "ENGRAM_QDRANT_TLS")

	strVar(&cfg.Embedding.Provider, "ENGRAM_EMBED_PROVIDER")
	strVar(&cfg.Embedding.Model, "ENGRAM_EMBED_MODEL")
	strVar(&cfg.Embedding.BaseURL, "ENGRAM_EMBED_BASE_URL")
	strVar(&cfg.Embedding.APIKey, "ENGRAM_EMBED_API_KEY", "OPENAI_API_KEY")

	strVar(&cfg.Extraction.Provider, "ENGRAM_EXTRACT_PROVIDER")
	strVar(&cfg.Extraction.Model, "ENGRAM_EXTRACT_MODEL")
	strVar(&cfg.Extraction.BaseURL, "ENGRAM_EXTRACT_BASE_URL")
	strVar(&cfg.Extraction.APIKey, "ENGRAM_EXTRACT_API_KEY", "OPENAI_API_KEY")

	intVar(&cfg.EmbeddingDim, "ENGRAM_EMBEDDING_DIMENSIONS")
	intVar(&cfg.EmbeddingBatchSize, "ENGRAM_EMBEDDING_BATCH_SIZE")
	intVar(&cfg.EmbeddingMaxRetries, "ENGRAM_EMBEDDING_MAX_RETRIES")
	intVar(&cfg.EmbeddingTimeoutS, "ENGRAM_EMBEDDING_TIMEOUT_S")
	intVar(&cfg.ProviderConcurrency, "ENGRAM_PROVIDER_CONCURRENCY")

	intVar(&cfg.SinglePieceMaxTokens, "ENGRAM_SINGLE_PIECE_MAX_TOKENS")
	intVar(&cfg.ChunkTargetTokens, "ENGRAM_CHUNK_TARGET_TOKENS")
	intVar(&cfg.ChunkOverlapTokens, "ENGRAM_CHUNK_OVERLAP_TOKENS")

	intVar(&cfg.RRFConstant, "ENGRAM_RRF_CONSTANT")
	intVar(&cfg.RetrievalOverfetch, "ENGRAM_RETRIEVAL_OVERFETCH")
	intVar(&cfg.GraphDepth, "ENGRAM_GRAPH_DEPTH")
	intVar(&cfg.GraphBudget, "ENGRAM_GRAPH_BUDGET")
	intVar(&cfg.RecallBudgetMs, "ENGRAM_RECALL_BUDGET_MS")
	floatVar(&cfg.GraphHopWeight, "ENGRAM_GRAPH_HOP_WEIGHT")
	floatVar(&cfg.GraphSharedEntityWeight, "ENGRAM_GRAPH_SHARED_ENTITY_WEIGHT")
	floatVar(&cfg.GraphEdgeConfidenceWeight, "ENGRAM_GRAPH_EDGE_CONFIDENCE_WEIGHT")
	if v := os.Getenv("ENGRAM_GRAPH_RELATIONS"); v != "" {
		cfg.GraphRelations = splitCSV(v)
	}

	floatVar(&cfg.EntityMergeThreshold, "ENGRAM_ENTITY_MERGE_THRESHOLD")
	floatVar(&cfg.EntityReviewThreshold, "ENGRAM_ENTITY_REVIEW_THRESHOLD")

	intVar(&cfg.QueuePollIntervalMs, "ENGRAM_QUEUE_POLL_INTERVAL_MS")
	intVar(&cfg.EventMaxAttempts, "ENGRAM_EVENT_MAX_ATTEMPTS")
	strVar(&cfg.WorkerID, "ENGRAM_WORKER_ID")
	intVar(&cfg.WorkerCount, "ENGRAM_WORKER_COUNT")
	intVar(&cfg.StuckJobThresholdS, "ENGRAM_STUCK_JOB_THRESHOLD_S")

	strVar(&cfg.LogLevel, "ENGRAM_LOG_LEVEL")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants between configuration values.
func (c *Config) Validate() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("%w: postgres URL is required", apperr.ErrInvalidConfig)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding dimensions must be positive", apperr.ErrInvalidConfig)
	}
	if c.ChunkTargetTokens <= c.ChunkOverlapTokens {
		return fmt.Errorf("%w: chunk target (%d) must exceed overlap (%d)",
			apperr.ErrInvalidConfig, c.ChunkTargetTokens, c.ChunkOverlapTokens)
	}
	if c.SinglePieceMaxTokens < c.ChunkTargetTokens {
		return fmt.Errorf("%w: single piece max (%d) must be at least chunk target (%d)",
			apperr.ErrInvalidConfig, c.SinglePieceMaxTokens, c.ChunkTargetTokens)
	}
	if c.EntityReviewThreshold > c.EntityMergeThreshold {
		return fmt.Errorf("%w: entity review threshold must not exceed merge threshold", apperr.ErrInvalidConfig)
	}
	if c.PoolMin > c.PoolMax {
		return fmt.Errorf("%w: pool_min must not exceed pool_max", apperr.ErrInvalidConfig)
	}
	for _, r := range c.GraphRelations {
		if !store.KnownRelation(r) {
			return fmt.Errorf("%w: unknown graph relation %q", apperr.ErrInvalidConfig, r)
		}
	}
	return nil
}

func strVar(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatVar(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
