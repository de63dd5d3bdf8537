package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
)

// Relation names the graph expansion can traverse. Each maps to one arm of
// the traversal queries below.
const (
	RelationEventActor         = "event_actor"
	RelationEventSubject       = "event_subject"
	RelationEntityEdge         = "entity_edge"
	RelationRevisionMembership = "revision_membership"
)

// GraphRelations lists every traversable relation.
var GraphRelations = []string{
	RelationEventActor, RelationEventSubject, RelationEntityEdge, RelationRevisionMembership,
}

// KnownRelation reports whether name is a traversable relation.
func KnownRelation(name string) bool {
	for _, r := range GraphRelations {
		if r == name {
			return true
		}
	}
	return false
}

// relationSet normalizes a relation filter. Empty means all relations.
func relationSet(relations []string) map[string]bool {
	set := make(map[string]bool, len(relations))
	if len(relations) == 0 {
		relations = GraphRelations
	}
	for _, r := range relations {
		set[r] = true
	}
	return set
}

// EntityIDsForArtifacts returns the entities linked to the given artifact
// uids through the enabled relations. This is the seed set for graph
// expansion.
func (s *Store) EntityIDsForArtifacts(ctx context.Context, artifactUIDs []string, relations []string) (map[string][]uuid.UUID, error) {
	if len(artifactUIDs) == 0 {
		return map[string][]uuid.UUID{}, nil
	}
	set := relationSet(relations)
	var parts []string
	if set[RelationRevisionMembership] {
		parts = append(parts, `
			SELECT m.artifact_uid, m.entity_id FROM entity_mention m
			WHERE m.artifact_uid = ANY($1)`)
	}
	if set[RelationEventActor] {
		parts = append(parts, `
			SELECT ev.artifact_uid, a.entity_id
			FROM event_actor a
			JOIN semantic_event ev ON ev.event_id = a.event_id
			WHERE ev.artifact_uid = ANY($1)`)
	}
	if set[RelationEventSubject] {
		parts = append(parts, `
			SELECT ev.artifact_uid, sub.entity_id
			FROM event_subject sub
			JOIN semantic_event ev ON ev.event_id = sub.event_id
			WHERE ev.artifact_uid = ANY($1)`)
	}
	if len(parts) == 0 {
		return map[string][]uuid.UUID{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_uid, entity_id FROM (`+strings.Join(parts, `
			UNION`)+`
		) links`, artifactUIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: loading artifact entities: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string][]uuid.UUID)
	for rows.Next() {
		var uid string
		var entityID uuid.UUID
		if err := rows.Scan(&uid, &entityID); err != nil {
			return nil, fmt.Errorf("%w: scanning artifact entity: %v", apperr.ErrStorage, err)
		}
		out[uid] = append(out[uid], entityID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating artifact entities: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// ArtifactsForEntities is the reverse direction: latest revisions linked to
// any of the entities through the enabled relations.
func (s *Store) ArtifactsForEntities(ctx context.Context, entityIDs []uuid.UUID, relations []string) (map[uuid.UUID][]string, error) {
	if len(entityIDs) == 0 {
		return map[uuid.UUID][]string{}, nil
	}
	set := relationSet(relations)
	var parts []string
	if set[RelationRevisionMembership] {
		parts = append(parts, `
			SELECT m.entity_id, m.artifact_uid FROM entity_mention m
			WHERE m.entity_id = ANY($1)`)
	}
	if set[RelationEventActor] {
		parts = append(parts, `
			SELECT a.entity_id, ev.artifact_uid
			FROM event_actor a
			JOIN semantic_event ev ON ev.event_id = a.event_id
			WHERE a.entity_id = ANY($1)`)
	}
	if set[RelationEventSubject] {
		parts = append(parts, `
			SELECT sub.entity_id, ev.artifact_uid
			FROM event_subject sub
			JOIN semantic_event ev ON ev.event_id = sub.event_id
			WHERE sub.entity_id = ANY($1)`)
	}
	if len(parts) == 0 {
		return map[uuid.UUID][]string{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT links.entity_id, r.artifact_uid
		FROM (`+strings.Join(parts, `
			UNION`)+`
		) links
		JOIN artifact_revision r ON r.artifact_uid = links.artifact_uid AND r.is_latest`,
		entityIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: loading entity artifacts: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]string)
	for rows.Next() {
		var entityID uuid.UUID
		var uid string
		if err := rows.Scan(&entityID, &uid); err != nil {
			return nil, fmt.Errorf("%w: scanning entity artifact: %v", apperr.ErrStorage, err)
		}
		out[entityID] = append(out[entityID], uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating entity artifacts: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// EdgesForEntities returns explicit edges incident to any of the entities,
// optionally restricted to the given relationship types.
func (s *Store) EdgesForEntities(ctx context.Context, entityIDs []uuid.UUID, types []string) ([]Edge, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT source_entity_id, target_entity_id, relationship_type,
			artifact_uid, revision_id, confidence, evidence_quote
		FROM entity_edge
		WHERE (source_entity_id = ANY($1) OR target_entity_id = ANY($1))`
	args := []any{entityIDs}
	if len(types) > 0 {
		query += ` AND relationship_type = ANY($2)`
		args = append(args, types)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading entity edges: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SourceEntityID, &e.TargetEntityID,
			&e.RelationshipType, &e.ArtifactUID, &e.RevisionID,
			&e.Confidence, &e.EvidenceQuote); err != nil {
			return nil, fmt.Errorf("%w: scanning edge: %v", apperr.ErrStorage, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating edges: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// LatestArtifactIDs maps artifact uids to the artifact_id of their latest
// revision.
func (s *Store) LatestArtifactIDs(ctx context.Context, artifactUIDs []string) (map[string]string, error) {
	if len(artifactUIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_uid, artifact_id FROM artifact_revision
		WHERE artifact_uid = ANY($1) AND is_latest`, artifactUIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping latest artifact ids: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]string, len(artifactUIDs))
	for rows.Next() {
		var uid, id string
		if err := rows.Scan(&uid, &id); err != nil {
			return nil, fmt.Errorf("%w: scanning artifact id: %v", apperr.ErrStorage, err)
		}
		out[uid] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating artifact ids: %v", apperr.ErrStorage, err)
	}
	return out, nil
}
