package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/engramdev/engram/apperr"
)

// ResolveUID looks up the stable artifact uid for a source identity.
// found is false when no revision of that source has been ingested yet.
func (s *Store) ResolveUID(ctx context.Context, sourceSystem, sourceID string) (uid string, found bool, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT artifact_uid FROM artifact_revision
		WHERE source_system = $1 AND source_id = $2
		LIMIT 1`, sourceSystem, sourceID)
	err = row.Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: resolving artifact uid: %v", apperr.ErrStorage, err)
	}
	return uid, true, nil
}

const revisionColumns = `artifact_uid, revision_id, artifact_id, content_hash,
	artifact_type, source_system, source_id, source_ts, title, document_date,
	author, participants, sensitivity, visibility_scope, retention_policy,
	content, token_count, is_chunked, chunk_count, is_latest, ingested_at`

func scanRevision(row pgx.Row) (*ArtifactRevision, error) {
	var r ArtifactRevision
	err := row.Scan(&r.ArtifactUID, &r.RevisionID, &r.ArtifactID, &r.ContentHash,
		&r.ArtifactType, &r.SourceSystem, &r.SourceID, &r.SourceTS, &r.Title,
		&r.DocumentDate, &r.Author, &r.Participants, &r.Sensitivity,
		&r.VisibilityScope, &r.RetentionPolicy, &r.Content, &r.TokenCount,
		&r.IsChunked, &r.ChunkCount, &r.IsLatest, &r.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact revision", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning artifact revision: %v", apperr.ErrStorage, err)
	}
	return &r, nil
}

// LatestRevision returns the current revision for a uid, or ErrNotFound.
func (s *Store) LatestRevision(ctx context.Context, artifactUID string) (*ArtifactRevision, error) {
	return scanRevision(s.pool.QueryRow(ctx, `
		SELECT `+revisionColumns+` FROM artifact_revision
		WHERE artifact_uid = $1 AND is_latest`, artifactUID))
}

// GetRevision returns one specific revision.
func (s *Store) GetRevision(ctx context.Context, artifactUID string, revisionID int) (*ArtifactRevision, error) {
	return scanRevision(s.pool.QueryRow(ctx, `
		SELECT `+revisionColumns+` FROM artifact_revision
		WHERE artifact_uid = $1 AND revision_id = $2`, artifactUID, revisionID))
}

// GetRevisionByArtifactID resolves a content-addressed handle. Prefix
// collisions on the 12-hex handle are broken by the full hash ordering, so
// the most recent revision wins.
func (s *Store) GetRevisionByArtifactID(ctx context.Context, artifactID string) (*ArtifactRevision, error) {
	return scanRevision(s.pool.QueryRow(ctx, `
		SELECT `+revisionColumns+` FROM artifact_revision
		WHERE artifact_id = $1
		ORDER BY ingested_at DESC
		LIMIT 1`, artifactID))
}

// InsertRevision writes a new revision and its chunk mirror in one
// transaction, flipping is_latest off on all prior revisions of the uid.
func (s *Store) InsertRevision(ctx context.Context, rev *ArtifactRevision, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin insert revision: %v", apperr.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE artifact_revision SET is_latest = FALSE
		WHERE artifact_uid = $1 AND is_latest`, rev.ArtifactUID); err != nil {
		return fmt.Errorf("%w: demoting prior revisions: %v", apperr.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO artifact_revision (`+revisionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		rev.ArtifactUID, rev.RevisionID, rev.ArtifactID, rev.ContentHash,
		rev.ArtifactType, rev.SourceSystem, rev.SourceID, rev.SourceTS, rev.Title,
		rev.DocumentDate, rev.Author, rev.Participants, rev.Sensitivity,
		rev.VisibilityScope, rev.RetentionPolicy, rev.Content, rev.TokenCount,
		rev.IsChunked, rev.ChunkCount, rev.IsLatest, rev.IngestedAt); err != nil {
		return fmt.Errorf("%w: inserting revision: %v", apperr.ErrStorage, err)
	}

	for _, ch := range chunks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chunk (chunk_id, artifact_uid, revision_id, artifact_id,
				chunk_index, content, start_char, end_char, token_count, content_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			ch.ChunkID, ch.ArtifactUID, ch.RevisionID, ch.ArtifactID,
			ch.ChunkIndex, ch.Content, ch.StartChar, ch.EndChar,
			ch.TokenCount, ch.ContentHash); err != nil {
			return fmt.Errorf("%w: inserting chunk %d: %v", apperr.ErrStorage, ch.ChunkIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing revision: %v", apperr.ErrStorage, err)
	}
	return nil
}

const chunkColumns = `chunk_id, artifact_uid, revision_id, artifact_id,
	chunk_index, content, start_char, end_char, token_count, content_hash`

func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ChunkID, &ch.ArtifactUID, &ch.RevisionID,
			&ch.ArtifactID, &ch.ChunkIndex, &ch.Content, &ch.StartChar,
			&ch.EndChar, &ch.TokenCount, &ch.ContentHash); err != nil {
			return nil, fmt.Errorf("%w: scanning chunk: %v", apperr.ErrStorage, err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// GetChunks returns all chunks of a revision in index order.
func (s *Store) GetChunks(ctx context.Context, artifactUID string, revisionID int) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+` FROM chunk
		WHERE artifact_uid = $1 AND revision_id = $2
		ORDER BY chunk_index`, artifactUID, revisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading chunks: %v", apperr.ErrStorage, err)
	}
	return scanChunks(rows)
}

// GetChunkWithNeighbors returns the chunk plus its index-adjacent siblings.
// Either neighbor is nil at the edges.
func (s *Store) GetChunkWithNeighbors(ctx context.Context, chunkID string) (prev, target, next *Chunk, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+chunkColumns+` FROM chunk WHERE chunk_id = $1`, chunkID)
	var ch Chunk
	err = row.Scan(&ch.ChunkID, &ch.ArtifactUID, &ch.RevisionID, &ch.ArtifactID,
		&ch.ChunkIndex, &ch.Content, &ch.StartChar, &ch.EndChar, &ch.TokenCount,
		&ch.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil, fmt.Errorf("%w: chunk %s", apperr.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: loading chunk: %v", apperr.ErrStorage, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+` FROM chunk
		WHERE artifact_uid = $1 AND revision_id = $2 AND chunk_index IN ($3, $4)
		ORDER BY chunk_index`,
		ch.ArtifactUID, ch.RevisionID, ch.ChunkIndex-1, ch.ChunkIndex+1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: loading neighbors: %v", apperr.ErrStorage, err)
	}
	siblings, err := scanChunks(rows)
	if err != nil {
		return nil, nil, nil, err
	}

	for i := range siblings {
		switch siblings[i].ChunkIndex {
		case ch.ChunkIndex - 1:
			prev = &siblings[i]
		case ch.ChunkIndex + 1:
			next = &siblings[i]
		}
	}
	return prev, &ch, next, nil
}

// FilterExistingArtifactIDs reports which of the given artifact ids belong
// to a latest revision. Used to drop vector-store hits that are stale or
// point at superseded revisions.
func (s *Store) FilterExistingArtifactIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT artifact_id FROM artifact_revision
		WHERE artifact_id = ANY($1) AND is_latest`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: filtering artifact ids: %v", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning artifact id: %v", apperr.ErrStorage, err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating artifact ids: %v", apperr.ErrStorage, err)
	}
	return out, nil
}

// DeletedCounts summarizes a forget cascade.
type DeletedCounts struct {
	Revisions int `json:"revisions"`
	Chunks    int `json:"chunks"`
	Events    int `json:"events"`
	Evidence  int `json:"evidence"`
	Mentions  int `json:"mentions"`
	Edges     int `json:"edges"`
}

// ForgetRevision deletes a revision and everything scoped to it: chunks,
// events with their evidence and links, mentions, and edges written by that
// revision. Entity rows are preserved. Counts are gathered before the
// cascade fires.
func (s *Store) ForgetRevision(ctx context.Context, artifactUID string, revisionID int) (DeletedCounts, error) {
	var c DeletedCounts

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return c, fmt.Errorf("%w: begin forget: %v", apperr.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chunk WHERE artifact_uid = $1 AND revision_id = $2),
			(SELECT COUNT(*) FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2),
			(SELECT COUNT(*) FROM event_evidence WHERE artifact_uid = $1 AND revision_id = $2),
			(SELECT COUNT(*) FROM entity_mention WHERE artifact_uid = $1 AND revision_id = $2),
			(SELECT COUNT(*) FROM entity_edge WHERE artifact_uid = $1 AND revision_id = $2)`,
		artifactUID, revisionID)
	if err := row.Scan(&c.Chunks, &c.Events, &c.Evidence, &c.Mentions, &c.Edges); err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: counting forget cascade: %v", apperr.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM entity_edge WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID); err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: deleting edges: %v", apperr.ErrStorage, err)
	}

	// The revision delete cascades to entity_mention; release the counts
	// first so mention_count keeps matching the stored rows.
	if _, err := tx.Exec(ctx, `
		UPDATE entity e SET mention_count = GREATEST(e.mention_count - d.n, 0)
		FROM (
			SELECT entity_id, COUNT(*) AS n FROM entity_mention
			WHERE artifact_uid = $1 AND revision_id = $2
			GROUP BY entity_id
		) d
		WHERE e.entity_id = d.entity_id`,
		artifactUID, revisionID); err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: releasing mention counts: %v", apperr.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM event_jobs WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID); err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: deleting jobs: %v", apperr.ErrStorage, err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM artifact_revision WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID)
	if err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: deleting revision: %v", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return DeletedCounts{}, fmt.Errorf("%w: artifact revision", apperr.ErrNotFound)
	}
	c.Revisions = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return DeletedCounts{}, fmt.Errorf("%w: committing forget: %v", apperr.ErrStorage, err)
	}
	return c, nil
}
