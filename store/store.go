// Package store is the relational side of the memory engine: artifact
// revisions, chunks, semantic events, entities, the knowledge graph, and
// the durable job queue, all on Postgres with pgvector.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/engramdev/engram/apperr"
)

// Config holds connection settings for the relational store.
type Config struct {
	URL          string
	MinConns     int
	MaxConns     int
	EmbeddingDim int
}

// Store wraps the Postgres pool for all engram persistence.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to Postgres and runs pending schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing postgres URL: %v", apperr.ErrInvalidConfig, err)
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %v", apperr.ErrStorage, err)
	}

	s := &Store{pool: pool, dim: cfg.EmbeddingDim}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", apperr.ErrStorage, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Row types
// ---------------------------------------------------------------------------

// ArtifactRevision is an immutable snapshot of one artifact's content.
type ArtifactRevision struct {
	ArtifactUID     string     `json:"artifact_uid"`
	RevisionID      int        `json:"revision_id"`
	ArtifactID      string     `json:"artifact_id"`
	ContentHash     string     `json:"content_hash"`
	ArtifactType    string     `json:"artifact_type"`
	SourceSystem    string     `json:"source_system"`
	SourceID        string     `json:"source_id"`
	SourceTS        *time.Time `json:"source_ts,omitempty"`
	Title           string     `json:"title,omitempty"`
	DocumentDate    *time.Time `json:"document_date,omitempty"`
	Author          string     `json:"author,omitempty"`
	Participants    []string   `json:"participants,omitempty"`
	Sensitivity     string     `json:"sensitivity"`
	VisibilityScope string     `json:"visibility_scope"`
	RetentionPolicy string     `json:"retention_policy,omitempty"`
	Content         string     `json:"content"`
	TokenCount      int        `json:"token_count"`
	IsChunked       bool       `json:"is_chunked"`
	ChunkCount      int        `json:"chunk_count"`
	IsLatest        bool       `json:"is_latest"`
	IngestedAt      time.Time  `json:"ingested_at"`
}

// Chunk mirrors the vector-store chunk points relationally.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`
	ArtifactUID string `json:"artifact_uid"`
	RevisionID  int    `json:"revision_id"`
	ArtifactID  string `json:"artifact_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}

// Event is a stored semantic event.
type Event struct {
	EventID         uuid.UUID  `json:"event_id"`
	ArtifactUID     string     `json:"artifact_uid"`
	RevisionID      int        `json:"revision_id"`
	Category        string     `json:"category"`
	Narrative       string     `json:"narrative"`
	EventTime       *time.Time `json:"event_time,omitempty"`
	SubjectJSON     []byte     `json:"subject_json"`
	ActorsJSON      []byte     `json:"actors_json"`
	Confidence      float64    `json:"confidence"`
	Embedding       []float32  `json:"-"`
	ExtractionRunID uuid.UUID  `json:"extraction_run_id"`
}

// Evidence anchors an event to a span of revision content.
type Evidence struct {
	EvidenceID  uuid.UUID `json:"evidence_id"`
	EventID     uuid.UUID `json:"event_id"`
	ArtifactUID string    `json:"artifact_uid"`
	RevisionID  int       `json:"revision_id"`
	ChunkID     string    `json:"chunk_id,omitempty"`
	StartChar   int       `json:"start_char"`
	EndChar     int       `json:"end_char"`
	Quote       string    `json:"quote"`
}

// EventActor links an event to a resolved entity with a role.
type EventActor struct {
	EventID  uuid.UUID `json:"event_id"`
	EntityID uuid.UUID `json:"entity_id"`
	Role     string    `json:"role"`
}

// Entity is a canonical entity shared across revisions.
type Entity struct {
	EntityID             uuid.UUID `json:"entity_id"`
	EntityType           string    `json:"entity_type"`
	CanonicalName        string    `json:"canonical_name"`
	Role                 string    `json:"role,omitempty"`
	Organization         string    `json:"organization,omitempty"`
	Email                string    `json:"email,omitempty"`
	ContextEmbedding     []float32 `json:"-"`
	NeedsReview          bool      `json:"needs_review"`
	MentionCount         int       `json:"mention_count"`
	FirstSeenArtifactUID string    `json:"first_seen_artifact_uid"`
	FirstSeenRevisionID  int       `json:"first_seen_revision_id"`
	CreatedAt            time.Time `json:"created_at"`
}

// Mention is one occurrence of a surface form inside a revision.
type Mention struct {
	EntityID    uuid.UUID `json:"entity_id"`
	ArtifactUID string    `json:"artifact_uid"`
	RevisionID  int       `json:"revision_id"`
	ChunkID     string    `json:"chunk_id,omitempty"`
	StartChar   int       `json:"start_char"`
	EndChar     int       `json:"end_char"`
	SurfaceForm string    `json:"surface_form"`
}

// Edge is an explicit extracted relation between two entities.
type Edge struct {
	SourceEntityID   uuid.UUID `json:"source_entity_id"`
	TargetEntityID   uuid.UUID `json:"target_entity_id"`
	RelationshipType string    `json:"relationship_type"`
	ArtifactUID      string    `json:"artifact_uid"`
	RevisionID       int       `json:"revision_id"`
	Confidence       float64   `json:"confidence"`
	EvidenceQuote    string    `json:"evidence_quote,omitempty"`
}

// Job is one row of the durable work queue.
type Job struct {
	JobID            uuid.UUID  `json:"job_id"`
	JobType          string     `json:"job_type"`
	ArtifactUID      string     `json:"artifact_uid"`
	RevisionID       int        `json:"revision_id"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	NextRunAt        time.Time  `json:"next_run_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         string     `json:"locked_by,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Job states.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobDone       = "DONE"
	JobFailed     = "FAILED"
)

// JobTypeExtractEvents is currently the only job type.
const JobTypeExtractEvents = "extract_events"
