package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// pgvector column dimensions.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

-- Write-once artifact revisions; exactly one is_latest per uid.
CREATE TABLE IF NOT EXISTS artifact_revision (
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    artifact_id TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    source_system TEXT NOT NULL,
    source_id TEXT NOT NULL,
    source_ts TIMESTAMPTZ,
    title TEXT NOT NULL DEFAULT '',
    document_date TIMESTAMPTZ,
    author TEXT NOT NULL DEFAULT '',
    participants TEXT[] NOT NULL DEFAULT '{}',
    sensitivity TEXT NOT NULL DEFAULT 'normal',
    visibility_scope TEXT NOT NULL DEFAULT 'me',
    retention_policy TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    is_chunked BOOLEAN NOT NULL DEFAULT FALSE,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    is_latest BOOLEAN NOT NULL DEFAULT TRUE,
    ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (artifact_uid, revision_id)
);

CREATE INDEX IF NOT EXISTS artifact_revision_artifact_id_idx
    ON artifact_revision (artifact_id);
CREATE INDEX IF NOT EXISTS artifact_revision_source_idx
    ON artifact_revision (source_system, source_id);
CREATE UNIQUE INDEX IF NOT EXISTS artifact_revision_latest_idx
    ON artifact_revision (artifact_uid) WHERE is_latest;

-- Relational mirror of the vector-store chunk points.
CREATE TABLE IF NOT EXISTS chunk (
    chunk_id TEXT PRIMARY KEY,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    artifact_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    token_count INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE,
    UNIQUE (artifact_uid, revision_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS chunk_artifact_id_idx ON chunk (artifact_id);

-- Semantic events; replaced wholesale on re-extraction of a revision.
CREATE TABLE IF NOT EXISTS semantic_event (
    event_id UUID PRIMARY KEY,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    category TEXT NOT NULL,
    narrative TEXT NOT NULL,
    event_time TIMESTAMPTZ,
    subject_json JSONB NOT NULL DEFAULT '{}',
    actors_json JSONB NOT NULL DEFAULT '[]',
    confidence DOUBLE PRECISION NOT NULL,
    embedding vector(%[1]d),
    extraction_run_id UUID NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS semantic_event_revision_idx
    ON semantic_event (artifact_uid, revision_id);
CREATE INDEX IF NOT EXISTS semantic_event_category_idx
    ON semantic_event (category);

CREATE TABLE IF NOT EXISTS event_evidence (
    evidence_id UUID PRIMARY KEY,
    event_id UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    chunk_id TEXT NOT NULL DEFAULT '',
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    quote TEXT NOT NULL,
    CHECK (end_char > start_char)
);

CREATE INDEX IF NOT EXISTS event_evidence_event_idx ON event_evidence (event_id);

CREATE TABLE IF NOT EXISTS event_actor (
    event_id UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    entity_id UUID NOT NULL,
    role TEXT NOT NULL,
    PRIMARY KEY (event_id, entity_id)
);

CREATE INDEX IF NOT EXISTS event_actor_entity_idx ON event_actor (entity_id);

CREATE TABLE IF NOT EXISTS event_subject (
    event_id UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
    entity_id UUID NOT NULL,
    PRIMARY KEY (event_id, entity_id)
);

CREATE INDEX IF NOT EXISTS event_subject_entity_idx ON event_subject (entity_id);

-- Canonical entities; shared ownership, outlive revisions.
CREATE TABLE IF NOT EXISTS entity (
    entity_id UUID PRIMARY KEY,
    entity_type TEXT NOT NULL,
    canonical_name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    organization TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    context_embedding vector(%[1]d),
    needs_review BOOLEAN NOT NULL DEFAULT FALSE,
    mention_count INTEGER NOT NULL DEFAULT 0,
    first_seen_artifact_uid TEXT NOT NULL,
    first_seen_revision_id INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS entity_name_idx ON entity (entity_type, LOWER(canonical_name));
CREATE INDEX IF NOT EXISTS entity_email_idx ON entity (email) WHERE email <> '';

CREATE TABLE IF NOT EXISTS entity_alias (
    entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    surface_form TEXT NOT NULL,
    PRIMARY KEY (entity_id, surface_form)
);

CREATE INDEX IF NOT EXISTS entity_alias_form_idx ON entity_alias (LOWER(surface_form));

CREATE TABLE IF NOT EXISTS entity_mention (
    entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    chunk_id TEXT NOT NULL DEFAULT '',
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    surface_form TEXT NOT NULL,
    FOREIGN KEY (artifact_uid, revision_id)
        REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS entity_mention_entity_idx ON entity_mention (entity_id);
CREATE INDEX IF NOT EXISTS entity_mention_revision_idx
    ON entity_mention (artifact_uid, revision_id);

-- Explicit extracted relations; strongest confidence wins on conflict.
CREATE TABLE IF NOT EXISTS entity_edge (
    source_entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    target_entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    evidence_quote TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (source_entity_id, target_entity_id, relationship_type, artifact_uid)
);

CREATE INDEX IF NOT EXISTS entity_edge_target_idx ON entity_edge (target_entity_id);

-- Durable job queue; claimed with FOR UPDATE SKIP LOCKED.
CREATE TABLE IF NOT EXISTS event_jobs (
    job_id UUID PRIMARY KEY,
    job_type TEXT NOT NULL,
    artifact_uid TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    next_run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    locked_at TIMESTAMPTZ,
    locked_by TEXT NOT NULL DEFAULT '',
    last_error_code TEXT NOT NULL DEFAULT '',
    last_error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (artifact_uid, revision_id, job_type)
);

CREATE INDEX IF NOT EXISTS event_jobs_claim_idx
    ON event_jobs (job_type, status, next_run_at);
`, embeddingDim)
}
