package engram

import (
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SinglePieceMaxTokens != 1200 || cfg.ChunkTargetTokens != 900 || cfg.ChunkOverlapTokens != 100 {
		t.Errorf("unexpected chunking defaults: %d/%d/%d",
			cfg.SinglePieceMaxTokens, cfg.ChunkTargetTokens, cfg.ChunkOverlapTokens)
	}
	if cfg.RRFConstant != 60 || cfg.RetrievalOverfetch != 3 {
		t.Errorf("unexpected retrieval defaults: k=%d overfetch=%d", cfg.RRFConstant, cfg.RetrievalOverfetch)
	}
	if cfg.EntityMergeThreshold != 0.85 || cfg.EntityReviewThreshold != 0.70 {
		t.Errorf("unexpected resolver thresholds: %v/%v", cfg.EntityMergeThreshold, cfg.EntityReviewThreshold)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_POSTGRES_URL", "postgres://db:5432/test")
	t.Setenv("ENGRAM_EMBEDDING_DIMENSIONS", "1536")
	t.Setenv("ENGRAM_SINGLE_PIECE_MAX_TOKENS", "2000")
	t.Setenv("ENGRAM_CHUNK_TARGET_TOKENS", "1500")
	t.Setenv("ENGRAM_GRAPH_RELATIONS", "event_actor, entity_edge")
	t.Setenv("ENGRAM_RECALL_BUDGET_MS", "2500")
	t.Setenv("ENGRAM_QDRANT_TLS", "true")
	t.Setenv("ENGRAM_ENTITY_MERGE_THRESHOLD", "0.9")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.PostgresURL != "postgres://db:5432/test" {
		t.Errorf("PostgresURL = %q", cfg.PostgresURL)
	}
	if cfg.EmbeddingDim != 1536 {
		t.Errorf("EmbeddingDim = %d, want 1536", cfg.EmbeddingDim)
	}
	if cfg.SinglePieceMaxTokens != 2000 || cfg.ChunkTargetTokens != 1500 {
		t.Errorf("chunking = %d/%d", cfg.SinglePieceMaxTokens, cfg.ChunkTargetTokens)
	}
	if !cfg.QdrantUseTLS {
		t.Error("QdrantUseTLS not set")
	}
	if cfg.EntityMergeThreshold != 0.9 {
		t.Errorf("EntityMergeThreshold = %v", cfg.EntityMergeThreshold)
	}
	if len(cfg.GraphRelations) != 2 || cfg.GraphRelations[0] != "event_actor" || cfg.GraphRelations[1] != "entity_edge" {
		t.Errorf("GraphRelations = %v", cfg.GraphRelations)
	}
	if cfg.RecallBudgetMs != 2500 {
		t.Errorf("RecallBudgetMs = %d, want 2500", cfg.RecallBudgetMs)
	}
}

func TestConfigFromEnvUnsetKeepsDefaults(t *testing.T) {
	t.Setenv("ENGRAM_POSTGRES_URL", "postgres://db:5432/test")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	def := DefaultConfig()
	if cfg.ChunkTargetTokens != def.ChunkTargetTokens {
		t.Errorf("ChunkTargetTokens = %d, want default %d", cfg.ChunkTargetTokens, def.ChunkTargetTokens)
	}
	if cfg.EventMaxAttempts != def.EventMaxAttempts {
		t.Errorf("EventMaxAttempts = %d, want default %d", cfg.EventMaxAttempts, def.EventMaxAttempts)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty postgres url", func(c *Config) { c.PostgresURL = "" }},
		{"zero embedding dim", func(c *Config) { c.EmbeddingDim = 0 }},
		{"overlap >= target", func(c *Config) { c.ChunkOverlapTokens = c.ChunkTargetTokens }},
		{"single piece below target", func(c *Config) { c.SinglePieceMaxTokens = c.ChunkTargetTokens - 1 }},
		{"review above merge", func(c *Config) { c.EntityReviewThreshold = c.EntityMergeThreshold + 0.01 }},
		{"pool min above max", func(c *Config) { c.PoolMin = c.PoolMax + 1 }},
		{"unknown graph relation", func(c *Config) { c.GraphRelations = []string{"event_actor", "friends_with"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
