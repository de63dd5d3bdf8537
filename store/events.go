package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/apperr"
)

// EventSubject links an event to a resolved subject entity.
type EventSubject struct {
	EventID  uuid.UUID `json:"event_id"`
	EntityID uuid.UUID `json:"entity_id"`
}

// EventCommit is the full replacement set for one revision's events and
// entity mentions.
type EventCommit struct {
	Events   []Event
	Evidence []Evidence
	Actors   []EventActor
	Subjects []EventSubject
	Edges    []Edge
	Mentions []Mention
}

// ReplaceEvents atomically swaps the event set of a revision: existing
// events (with cascaded evidence and links) and mention rows are deleted and
// the new set is inserted in the same transaction, so readers never observe
// a partial set and a retried extraction leaves no duplicates. Entity
// mention counts track the swap.
func (s *Store) ReplaceEvents(ctx context.Context, artifactUID string, revisionID int, commit EventCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin event replace: %v", apperr.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID); err != nil {
		return fmt.Errorf("%w: deleting prior events: %v", apperr.ErrStorage, err)
	}

	if err := replaceMentions(ctx, tx, artifactUID, revisionID, commit.Mentions); err != nil {
		return err
	}

	for _, ev := range commit.Events {
		var embedding any
		if len(ev.Embedding) > 0 {
			embedding = pgvector.NewVector(ev.Embedding)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO semantic_event (event_id, artifact_uid, revision_id,
				category, narrative, event_time, subject_json, actors_json,
				confidence, embedding, extraction_run_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			ev.EventID, artifactUID, revisionID, ev.Category, ev.Narrative,
			ev.EventTime, ev.SubjectJSON, ev.ActorsJSON, ev.Confidence,
			embedding, ev.ExtractionRunID); err != nil {
			return fmt.Errorf("%w: inserting event %s: %v", apperr.ErrStorage, ev.EventID, err)
		}
	}

	for _, evd := range commit.Evidence {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_evidence (evidence_id, event_id, artifact_uid,
				revision_id, chunk_id, start_char, end_char, quote)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			evd.EvidenceID, evd.EventID, artifactUID, revisionID,
			evd.ChunkID, evd.StartChar, evd.EndChar, evd.Quote); err != nil {
			return fmt.Errorf("%w: inserting evidence: %v", apperr.ErrStorage, err)
		}
	}

	for _, a := range commit.Actors {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_actor (event_id, entity_id, role)
			VALUES ($1,$2,$3)
			ON CONFLICT (event_id, entity_id) DO NOTHING`,
			a.EventID, a.EntityID, a.Role); err != nil {
			return fmt.Errorf("%w: inserting event actor: %v", apperr.ErrStorage, err)
		}
	}

	for _, sub := range commit.Subjects {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_subject (event_id, entity_id)
			VALUES ($1,$2)
			ON CONFLICT (event_id, entity_id) DO NOTHING`,
			sub.EventID, sub.EntityID); err != nil {
			return fmt.Errorf("%w: inserting event subject: %v", apperr.ErrStorage, err)
		}
	}

	for _, e := range commit.Edges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_edge (source_entity_id, target_entity_id,
				relationship_type, artifact_uid, revision_id, confidence, evidence_quote)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (source_entity_id, target_entity_id, relationship_type, artifact_uid)
			DO UPDATE SET
				confidence = GREATEST(entity_edge.confidence, EXCLUDED.confidence),
				revision_id = EXCLUDED.revision_id,
				evidence_quote = CASE
					WHEN entity_edge.evidence_quote = '' THEN EXCLUDED.evidence_quote
					ELSE entity_edge.evidence_quote
				END`,
			e.SourceEntityID, e.TargetEntityID, e.RelationshipType,
			e.ArtifactUID, e.RevisionID, e.Confidence, e.EvidenceQuote); err != nil {
			return fmt.Errorf("%w: upserting edge: %v", apperr.ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing event replace: %v", apperr.ErrStorage, err)
	}
	return nil
}

// replaceMentions swaps the revision's entity_mention rows inside the event
// transaction, keeping mention_count equal to the number of stored mentions.
func replaceMentions(ctx context.Context, tx pgx.Tx, artifactUID string, revisionID int, mentions []Mention) error {
	if _, err := tx.Exec(ctx, `
		UPDATE entity e SET mention_count = GREATEST(e.mention_count - d.n, 0)
		FROM (
			SELECT entity_id, COUNT(*) AS n FROM entity_mention
			WHERE artifact_uid = $1 AND revision_id = $2
			GROUP BY entity_id
		) d
		WHERE e.entity_id = d.entity_id`,
		artifactUID, revisionID); err != nil {
		return fmt.Errorf("%w: releasing prior mention counts: %v", apperr.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM entity_mention WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID); err != nil {
		return fmt.Errorf("%w: deleting prior mentions: %v", apperr.ErrStorage, err)
	}

	for _, m := range mentions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_mention (entity_id, artifact_uid, revision_id,
				chunk_id, start_char, end_char, surface_form)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.EntityID, artifactUID, revisionID, m.ChunkID,
			m.StartChar, m.EndChar, m.SurfaceForm); err != nil {
			return fmt.Errorf("%w: inserting mention: %v", apperr.ErrStorage, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entity SET mention_count = mention_count + 1
			WHERE entity_id = $1`, m.EntityID); err != nil {
			return fmt.Errorf("%w: bumping mention count: %v", apperr.ErrStorage, err)
		}
	}
	return nil
}

// GetEvents returns the events of a revision, without embeddings.
func (s *Store) GetEvents(ctx context.Context, artifactUID string, revisionID int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, artifact_uid, revision_id, category, narrative,
			event_time, subject_json, actors_json, confidence, extraction_run_id
		FROM semantic_event
		WHERE artifact_uid = $1 AND revision_id = $2
		ORDER BY created_at, event_id`, artifactUID, revisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading events: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.ArtifactUID, &ev.RevisionID,
			&ev.Category, &ev.Narrative, &ev.EventTime, &ev.SubjectJSON,
			&ev.ActorsJSON, &ev.Confidence, &ev.ExtractionRunID); err != nil {
			return nil, fmt.Errorf("%w: scanning event: %v", apperr.ErrStorage, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating events: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// GetEvidence returns evidence rows grouped by event id.
func (s *Store) GetEvidence(ctx context.Context, eventIDs []uuid.UUID) (map[uuid.UUID][]Evidence, error) {
	if len(eventIDs) == 0 {
		return map[uuid.UUID][]Evidence{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT evidence_id, event_id, artifact_uid, revision_id, chunk_id,
			start_char, end_char, quote
		FROM event_evidence
		WHERE event_id = ANY($1)
		ORDER BY start_char`, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: loading evidence: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Evidence)
	for rows.Next() {
		var evd Evidence
		if err := rows.Scan(&evd.EvidenceID, &evd.EventID, &evd.ArtifactUID,
			&evd.RevisionID, &evd.ChunkID, &evd.StartChar, &evd.EndChar,
			&evd.Quote); err != nil {
			return nil, fmt.Errorf("%w: scanning evidence: %v", apperr.ErrStorage, err)
		}
		out[evd.EventID] = append(out[evd.EventID], evd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating evidence: %v", apperr.ErrStorage, err)
	}
	return out, nil
}
