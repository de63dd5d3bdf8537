package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramdev/engram/apperr"
)

// Backoff returns the retry delay after the given number of attempts:
// 30s, 60s, 120s, ... capped at 10 minutes.
func Backoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 600*time.Second {
			return 600 * time.Second
		}
	}
	return d
}

// Enqueue inserts a job for a revision. Idempotent on
// (artifact_uid, revision_id, job_type); the existing job id is returned
// when the row is already there.
func (s *Store) Enqueue(ctx context.Context, artifactUID string, revisionID int, jobType string, maxAttempts int) (uuid.UUID, error) {
	jobID := uuid.New()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO event_jobs (job_id, job_type, artifact_uid, revision_id,
			status, attempts, max_attempts, next_run_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, NOW())
		ON CONFLICT (artifact_uid, revision_id, job_type) DO NOTHING`,
		jobID, jobType, artifactUID, revisionID, maxAttempts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: enqueueing job: %v", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 1 {
		return jobID, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT job_id FROM event_jobs
		WHERE artifact_uid = $1 AND revision_id = $2 AND job_type = $3`,
		artifactUID, revisionID, jobType)
	var existing uuid.UUID
	if err := row.Scan(&existing); err != nil {
		return uuid.Nil, fmt.Errorf("%w: reading existing job: %v", apperr.ErrStorage, err)
	}
	return existing, nil
}

// Claim hands the oldest runnable PENDING job of the given type to this
// worker. FOR UPDATE SKIP LOCKED guarantees a job goes to at most one
// concurrent claimer. Returns nil when the queue is empty.
func (s *Store) Claim(ctx context.Context, workerID, jobType string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", apperr.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT job_id FROM event_jobs
		WHERE job_type = $1 AND status = 'PENDING' AND next_run_at <= NOW()
		ORDER BY next_run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, jobType)

	var jobID uuid.UUID
	err = row.Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: selecting claimable job: %v", apperr.ErrStorage, err)
	}

	var j Job
	row = tx.QueryRow(ctx, `
		UPDATE event_jobs SET
			status = 'PROCESSING',
			locked_by = $2,
			locked_at = NOW(),
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE job_id = $1
		RETURNING job_id, job_type, artifact_uid, revision_id, status,
			attempts, max_attempts, next_run_at, locked_at, locked_by,
			last_error_code, last_error_message, created_at, updated_at`,
		jobID, workerID)
	if err := row.Scan(&j.JobID, &j.JobType, &j.ArtifactUID, &j.RevisionID,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LockedAt,
		&j.LockedBy, &j.LastErrorCode, &j.LastErrorMessage, &j.CreatedAt,
		&j.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: claiming job: %v", apperr.ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: committing claim: %v", apperr.ErrStorage, err)
	}
	return &j, nil
}

// Succeed marks a job DONE.
func (s *Store) Succeed(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_jobs SET status = 'DONE', updated_at = NOW()
		WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("%w: marking job done: %v", apperr.ErrStorage, err)
	}
	return nil
}

// Fail records a failure. Retryable failures below the attempt budget go
// back to PENDING with exponential backoff; everything else is FAILED.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string, retry bool) error {
	row := s.pool.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM event_jobs WHERE job_id = $1`, jobID)
	var attempts, maxAttempts int
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: job %s", apperr.ErrNotFound, jobID)
		}
		return fmt.Errorf("%w: reading job for fail: %v", apperr.ErrStorage, err)
	}

	if retry && attempts < maxAttempts {
		_, err := s.pool.Exec(ctx, `
			UPDATE event_jobs SET
				status = 'PENDING',
				next_run_at = NOW() + $2,
				locked_by = '',
				locked_at = NULL,
				last_error_code = $3,
				last_error_message = $4,
				updated_at = NOW()
			WHERE job_id = $1`,
			jobID, Backoff(attempts), errorCode, errorMessage)
		if err != nil {
			return fmt.Errorf("%w: rescheduling job: %v", apperr.ErrStorage, err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE event_jobs SET
			status = 'FAILED',
			last_error_code = $2,
			last_error_message = $3,
			updated_at = NOW()
		WHERE job_id = $1`, jobID, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("%w: marking job failed: %v", apperr.ErrStorage, err)
	}
	return nil
}

// IsClaimValid reports whether the job is still PROCESSING under this
// worker's lock. Workers check this before committing results.
func (s *Store) IsClaimValid(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT status, locked_by FROM event_jobs WHERE job_id = $1`, jobID)
	var status, lockedBy string
	err := row.Scan(&status, &lockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking claim: %v", apperr.ErrStorage, err)
	}
	return status == JobProcessing && lockedBy == workerID, nil
}

// ResetStuck returns PROCESSING jobs whose lock is older than threshold back
// to PENDING. Run periodically by the queue supervisor to recover from
// crashed workers.
func (s *Store) ResetStuck(ctx context.Context, jobType string, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_jobs SET
			status = 'PENDING',
			locked_by = '',
			locked_at = NULL,
			next_run_at = NOW(),
			updated_at = NOW()
		WHERE job_type = $1 AND status = 'PROCESSING' AND locked_at < NOW() - $2`,
		jobType, threshold)
	if err != nil {
		return 0, fmt.Errorf("%w: resetting stuck jobs: %v", apperr.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

// QueueStats summarizes the queue for status reporting.
type QueueStats struct {
	Pending          int           `json:"pending"`
	Processing       int           `json:"processing"`
	Failed           int           `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// QueueDepth reports pending/processing/failed counts and the age of the
// oldest PENDING job.
func (s *Store) QueueDepth(ctx context.Context, jobType string) (QueueStats, error) {
	var st QueueStats
	var oldest *time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			MIN(created_at) FILTER (WHERE status = 'PENDING')
		FROM event_jobs WHERE job_type = $1`, jobType)
	if err := row.Scan(&st.Pending, &st.Processing, &st.Failed, &oldest); err != nil {
		return QueueStats{}, fmt.Errorf("%w: reading queue depth: %v", apperr.ErrStorage, err)
	}
	if oldest != nil {
		st.OldestPendingAge = time.Since(*oldest)
	}
	return st, nil
}
