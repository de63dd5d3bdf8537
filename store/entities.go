package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/apperr"
)

// CreateEntity inserts a new entity with its initial aliases.
func (s *Store) CreateEntity(ctx context.Context, e *Entity, aliases []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin create entity: %v", apperr.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	var embedding any
	if len(e.ContextEmbedding) > 0 {
		embedding = pgvector.NewVector(e.ContextEmbedding)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO entity (entity_id, entity_type, canonical_name, role,
			organization, email, context_embedding, needs_review, mention_count,
			first_seen_artifact_uid, first_seen_revision_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.EntityID, e.EntityType, e.CanonicalName, e.Role, e.Organization,
		e.Email, embedding, e.NeedsReview, e.MentionCount,
		e.FirstSeenArtifactUID, e.FirstSeenRevisionID); err != nil {
		return fmt.Errorf("%w: inserting entity: %v", apperr.ErrStorage, err)
	}

	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_alias (entity_id, surface_form)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, e.EntityID, a); err != nil {
			return fmt.Errorf("%w: inserting alias: %v", apperr.ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing entity: %v", apperr.ErrStorage, err)
	}
	return nil
}

const entityColumns = `e.entity_id, e.entity_type, e.canonical_name, e.role,
	e.organization, e.email, e.context_embedding, e.needs_review,
	e.mention_count, e.first_seen_artifact_uid, e.first_seen_revision_id,
	e.created_at`

func scanEntities(rows pgx.Rows) ([]Entity, error) {
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var e Entity
		var emb *pgvector.Vector
		if err := rows.Scan(&e.EntityID, &e.EntityType, &e.CanonicalName,
			&e.Role, &e.Organization, &e.Email, &emb, &e.NeedsReview,
			&e.MentionCount, &e.FirstSeenArtifactUID, &e.FirstSeenRevisionID,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning entity: %v", apperr.ErrStorage, err)
		}
		if emb != nil {
			e.ContextEmbedding = emb.Slice()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating entities: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// FindEntityCandidates returns entities of the given type whose canonical
// name or any alias matches one of the names (case-insensitive), or whose
// email matches exactly.
func (s *Store) FindEntityCandidates(ctx context.Context, entityType string, names []string, email string) ([]Entity, error) {
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n != "" {
			lowered = append(lowered, n)
		}
	}
	if len(lowered) == 0 && email == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+entityColumns+`
		FROM entity e
		LEFT JOIN entity_alias a ON a.entity_id = e.entity_id
		WHERE e.entity_type = $1
		  AND (LOWER(e.canonical_name) = ANY($2)
		       OR LOWER(a.surface_form) = ANY($2)
		       OR ($3 <> '' AND e.email = $3))`,
		entityType, lowered, email)
	if err != nil {
		return nil, fmt.Errorf("%w: finding entity candidates: %v", apperr.ErrStorage, err)
	}
	return scanEntities(rows)
}

// GetEntities loads entities by id.
func (s *Store) GetEntities(ctx context.Context, ids []uuid.UUID) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entityColumns+` FROM entity e
		WHERE e.entity_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: loading entities: %v", apperr.ErrStorage, err)
	}
	return scanEntities(rows)
}

// AddAliases records additional surface forms for an entity.
func (s *Store) AddAliases(ctx context.Context, entityID uuid.UUID, aliases []string) error {
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO entity_alias (entity_id, surface_form)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, entityID, a); err != nil {
			return fmt.Errorf("%w: adding alias %q: %v", apperr.ErrStorage, a, err)
		}
	}
	return nil
}

// UpdateContextEmbedding replaces the stored context embedding. The running
// average is computed by the resolver, which holds both the candidate and
// the new observation.
func (s *Store) UpdateContextEmbedding(ctx context.Context, entityID uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE entity SET context_embedding = $2 WHERE entity_id = $1`,
		entityID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("%w: updating context embedding: %v", apperr.ErrStorage, err)
	}
	return nil
}

// UpdateEntityClues fills in role, organization, and email when the stored
// values are empty and stronger clues arrive.
func (s *Store) UpdateEntityClues(ctx context.Context, entityID uuid.UUID, role, organization, email string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE entity SET
			role = CASE WHEN role = '' THEN $2 ELSE role END,
			organization = CASE WHEN organization = '' THEN $3 ELSE organization END,
			email = CASE WHEN email = '' THEN $4 ELSE email END
		WHERE entity_id = $1`,
		entityID, role, organization, email)
	if err != nil {
		return fmt.Errorf("%w: updating entity clues: %v", apperr.ErrStorage, err)
	}
	return nil
}

// EntitiesForRevisions returns the distinct entities mentioned in any of
// the given revisions.
func (s *Store) EntitiesForRevisions(ctx context.Context, artifactUIDs []string) ([]Entity, error) {
	if len(artifactUIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+entityColumns+`
		FROM entity e
		JOIN entity_mention m ON m.entity_id = e.entity_id
		WHERE m.artifact_uid = ANY($1)`, artifactUIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: loading revision entities: %v", apperr.ErrStorage, err)
	}
	return scanEntities(rows)
}
