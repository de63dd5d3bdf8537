// Package worker runs the background extraction pipeline: claim a job,
// extract events and entities per chunk, resolve entities, and atomically
// replace the revision's event set.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/extract"
	"github.com/engramdev/engram/resolve"
	"github.com/engramdev/engram/store"
)

// errClaimLost aborts a job whose lock was reclaimed mid-flight. The work is
// discarded without touching the queue row; whoever holds the claim now owns
// the result.
var errClaimLost = errors.New("worker: claim no longer valid")

// Store is the slice of the relational store the worker needs.
type Store interface {
	Claim(ctx context.Context, workerID, jobType string) (*store.Job, error)
	Succeed(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string, retry bool) error
	IsClaimValid(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error)
	ResetStuck(ctx context.Context, jobType string, threshold time.Duration) (int, error)
	GetRevision(ctx context.Context, artifactUID string, revisionID int) (*store.ArtifactRevision, error)
	GetChunks(ctx context.Context, artifactUID string, revisionID int) ([]store.Chunk, error)
	ReplaceEvents(ctx context.Context, artifactUID string, revisionID int, commit store.EventCommit) error
}

// Extractor runs the LLM extraction calls.
type Extractor interface {
	ExtractChunk(ctx context.Context, content string) (*extract.ChunkExtraction, error)
	CanonicalizeEvents(ctx context.Context, events []extract.ExtractedEvent) []extract.ExtractedEvent
}

// Resolver links extracted entities to canonical entity rows.
type Resolver interface {
	Resolve(ctx context.Context, in resolve.Input) (*resolve.Resolution, error)
}

// Embedder embeds event narratives for the commit.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the worker loop.
type Config struct {
	WorkerID       string
	PollInterval   time.Duration // default 2s
	StuckThreshold time.Duration // default 10m
}

// Worker processes extraction jobs one at a time.
type Worker struct {
	store     Store
	extractor Extractor
	resolver  Resolver
	embedder  Embedder
	cfg       Config
}

// New creates a Worker.
func New(st Store, ex Extractor, rs Resolver, emb Embedder, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	return &Worker{store: st, extractor: ex, resolver: rs, embedder: emb, cfg: cfg}
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker: starting", "worker_id", w.cfg.WorkerID)
	for {
		job, err := w.store.Claim(ctx, w.cfg.WorkerID, store.JobTypeExtractEvents)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("worker: claiming job", "worker_id", w.cfg.WorkerID, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				slog.Info("worker: stopping", "worker_id", w.cfg.WorkerID)
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// RunSupervisor periodically returns stuck PROCESSING jobs to the queue.
// Meant to run as its own goroutine alongside the workers.
func (w *Worker) RunSupervisor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ResetStuck(ctx, store.JobTypeExtractEvents, w.cfg.StuckThreshold)
			if err != nil {
				slog.Error("worker: resetting stuck jobs", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("worker: reset stuck jobs", "count", n)
			}
		}
	}
}

// Process runs one claimed job to completion and settles the queue row.
func (w *Worker) Process(ctx context.Context, job *store.Job) {
	start := time.Now()
	err := w.extractRevision(ctx, job)
	switch {
	case err == nil:
		if serr := w.store.Succeed(ctx, job.JobID); serr != nil {
			slog.Error("worker: marking job done", "job_id", job.JobID, "error", serr)
			return
		}
		slog.Info("worker: job done",
			"job_id", job.JobID,
			"artifact_uid", job.ArtifactUID,
			"revision_id", job.RevisionID,
			"attempt", job.Attempts,
			"took", time.Since(start),
		)
	case errors.Is(err, errClaimLost):
		slog.Warn("worker: abandoning job, claim was reclaimed",
			"job_id", job.JobID, "worker_id", w.cfg.WorkerID)
	case errors.Is(err, context.Canceled):
		// Shutdown mid-job; the supervisor will reset the claim.
	default:
		retry := apperr.Retryable(err)
		slog.Error("worker: job failed",
			"job_id", job.JobID,
			"artifact_uid", job.ArtifactUID,
			"revision_id", job.RevisionID,
			"attempt", job.Attempts,
			"code", apperr.Kind(err),
			"retry", retry,
			"error", err,
		)
		if ferr := w.store.Fail(ctx, job.JobID, apperr.Kind(err), err.Error(), retry); ferr != nil {
			slog.Error("worker: recording job failure", "job_id", job.JobID, "error", ferr)
		}
	}
}

// extractRevision runs the full extraction for one revision and commits the
// resulting event set.
func (w *Worker) extractRevision(ctx context.Context, job *store.Job) error {
	rev, err := w.store.GetRevision(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		return err
	}

	chunks, err := w.revisionChunks(ctx, rev)
	if err != nil {
		return err
	}

	// Per-chunk extraction with offset globalization.
	var events []extract.ExtractedEvent
	var entities []extract.ExtractedEntity
	var rels []extract.ExtractedRelationship
	for _, ch := range chunks {
		res, err := w.extractor.ExtractChunk(ctx, ch.Content)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", ch.ChunkIndex, err)
		}
		for _, ev := range res.Events {
			events = append(events, extract.GlobalizeEvent(ev, ch.StartChar))
		}
		for _, ent := range res.Entities {
			entities = append(entities, extract.GlobalizeEntity(ent, ch.StartChar))
		}
		rels = append(rels, res.Relationships...)
	}

	// Overlapping chunks see the same text twice; collapse the duplicates.
	if len(chunks) > 1 {
		events = w.extractor.CanonicalizeEvents(ctx, events)
	}
	entities = extract.MergeEntities(entities)
	rels = extract.MergeRelationships(rels)

	// Entity resolution first; events and edges reference the resolved ids.
	names, mentions, err := w.resolveEntities(ctx, rev, chunks, entities)
	if err != nil {
		return err
	}

	commit, err := w.buildCommit(ctx, rev, chunks, events, rels, names)
	if err != nil {
		return err
	}
	// Mentions ride the same transaction as the events so a retried job
	// replaces them instead of stacking duplicates.
	commit.Mentions = mentions

	ok, err := w.store.IsClaimValid(ctx, job.JobID, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	if !ok {
		return errClaimLost
	}

	return w.store.ReplaceEvents(ctx, rev.ArtifactUID, rev.RevisionID, commit)
}

// revisionChunks returns the stored chunks, or the whole content as a single
// pseudo-chunk for unchunked revisions.
func (w *Worker) revisionChunks(ctx context.Context, rev *store.ArtifactRevision) ([]store.Chunk, error) {
	if !rev.IsChunked {
		return []store.Chunk{{
			ArtifactUID: rev.ArtifactUID,
			RevisionID:  rev.RevisionID,
			ArtifactID:  rev.ArtifactID,
			Content:     rev.Content,
			StartChar:   0,
			EndChar:     len(rev.Content),
		}}, nil
	}
	chunks, err := w.store.GetChunks(ctx, rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: revision marked chunked but has no chunks", apperr.ErrInternal)
	}
	return chunks, nil
}

// resolveEntities resolves each merged entity and returns a lookup from every
// known name (surface form, canonical suggestion, aliases, lower-cased) to
// the resolved entity id, plus the mention rows for the commit. Mentions are
// not persisted here: ReplaceEvents writes them with the events so failed
// attempts leave nothing behind.
func (w *Worker) resolveEntities(ctx context.Context, rev *store.ArtifactRevision, chunks []store.Chunk, entities []extract.ExtractedEntity) (map[string]uuid.UUID, []store.Mention, error) {
	names := make(map[string]uuid.UUID)
	var mentions []store.Mention
	for _, ent := range entities {
		res, err := w.resolver.Resolve(ctx, resolve.Input{
			Entity:      ent,
			ArtifactUID: rev.ArtifactUID,
			RevisionID:  rev.RevisionID,
			DocTitle:    rev.Title,
		})
		if err != nil {
			if errors.Is(err, apperr.ErrValidation) {
				slog.Warn("worker: dropping unresolvable entity",
					"artifact_uid", rev.ArtifactUID, "surface_form", ent.SurfaceForm, "error", err)
				continue
			}
			return nil, nil, err
		}
		if res.Outcome == resolve.OutcomeNewReview {
			slog.Info("worker: entity needs review",
				"entity_id", res.EntityID,
				"possibly_same", res.PossiblySame,
				"score", res.Score,
			)
		}
		for _, sp := range ent.Mentions {
			mentions = append(mentions, store.Mention{
				EntityID:    res.EntityID,
				ArtifactUID: rev.ArtifactUID,
				RevisionID:  rev.RevisionID,
				ChunkID:     chunkIDForOffset(chunks, sp.StartChar),
				StartChar:   sp.StartChar,
				EndChar:     sp.EndChar,
				SurfaceForm: ent.SurfaceForm,
			})
		}
		for _, n := range append([]string{ent.SurfaceForm, ent.CanonicalSuggestion}, ent.AliasesInDoc...) {
			n = strings.ToLower(strings.TrimSpace(n))
			if n != "" {
				if _, taken := names[n]; !taken {
					names[n] = res.EntityID
				}
			}
		}
	}
	return names, mentions, nil
}

// buildCommit validates and normalizes the extracted events and assembles the
// atomic replacement set for ReplaceEvents.
func (w *Worker) buildCommit(ctx context.Context, rev *store.ArtifactRevision, chunks []store.Chunk, events []extract.ExtractedEvent, rels []extract.ExtractedRelationship, names map[string]uuid.UUID) (store.EventCommit, error) {
	runID := uuid.New()
	var commit store.EventCommit

	var kept []extract.ExtractedEvent
	for _, ev := range events {
		if err := extract.ValidateEvent(ev); err != nil {
			slog.Warn("worker: dropping invalid event",
				"artifact_uid", rev.ArtifactUID, "category", ev.Category, "error", err)
			continue
		}
		// Committed evidence must quote the revision; hallucinated quotes
		// are dropped, and an event that loses all its evidence goes too.
		var spans []extract.Span
		for _, sp := range ev.Evidence {
			if extract.QuoteInContent(sp.Quote, rev.Content) {
				spans = append(spans, sp)
			}
		}
		if len(spans) == 0 {
			slog.Warn("worker: dropping event with no verifiable evidence",
				"artifact_uid", rev.ArtifactUID, "category", ev.Category)
			continue
		}
		ev.Evidence = spans
		kept = append(kept, ev)
	}

	var embeddings [][]float32
	if len(kept) > 0 {
		narratives := make([]string, len(kept))
		for i, ev := range kept {
			narratives[i] = ev.Narrative
		}
		var err error
		embeddings, err = w.embedder.Embed(ctx, narratives)
		if err != nil {
			return store.EventCommit{}, err
		}
	}

	for i, ev := range kept {
		eventID := uuid.New()

		subjectJSON, err := json.Marshal(ev.Subject)
		if err != nil {
			return store.EventCommit{}, fmt.Errorf("%w: marshalling subject: %v", apperr.ErrInternal, err)
		}
		actorsJSON, err := json.Marshal(ev.Actors)
		if err != nil {
			return store.EventCommit{}, fmt.Errorf("%w: marshalling actors: %v", apperr.ErrInternal, err)
		}

		commit.Events = append(commit.Events, store.Event{
			EventID:         eventID,
			ArtifactUID:     rev.ArtifactUID,
			RevisionID:      rev.RevisionID,
			Category:        extract.NormalizeCategory(ev.Category),
			Narrative:       ev.Narrative,
			EventTime:       parseEventTime(ev.EventTime),
			SubjectJSON:     subjectJSON,
			ActorsJSON:      actorsJSON,
			Confidence:      ev.Confidence,
			Embedding:       embeddings[i],
			ExtractionRunID: runID,
		})

		for _, sp := range ev.Evidence {
			commit.Evidence = append(commit.Evidence, store.Evidence{
				EvidenceID:  uuid.New(),
				EventID:     eventID,
				ArtifactUID: rev.ArtifactUID,
				RevisionID:  rev.RevisionID,
				ChunkID:     chunkIDForOffset(chunks, sp.StartChar),
				StartChar:   sp.StartChar,
				EndChar:     sp.EndChar,
				Quote:       sp.Quote,
			})
		}

		seen := make(map[uuid.UUID]bool)
		for _, a := range ev.Actors {
			id, ok := names[strings.ToLower(strings.TrimSpace(a.Ref))]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			commit.Actors = append(commit.Actors, store.EventActor{
				EventID:  eventID,
				EntityID: id,
				Role:     extract.NormalizeRole(a.Role),
			})
		}

		if id, ok := names[strings.ToLower(strings.TrimSpace(ev.Subject.Ref))]; ok {
			commit.Subjects = append(commit.Subjects, store.EventSubject{
				EventID:  eventID,
				EntityID: id,
			})
		}
	}

	for _, r := range rels {
		src, okSrc := names[strings.ToLower(strings.TrimSpace(r.Source))]
		tgt, okTgt := names[strings.ToLower(strings.TrimSpace(r.Target))]
		if !okSrc || !okTgt || src == tgt {
			continue
		}
		commit.Edges = append(commit.Edges, store.Edge{
			SourceEntityID:   src,
			TargetEntityID:   tgt,
			RelationshipType: r.RelationshipType,
			ArtifactUID:      rev.ArtifactUID,
			RevisionID:       rev.RevisionID,
			Confidence:       r.Confidence,
			EvidenceQuote:    r.EvidenceQuote,
		})
	}

	return commit, nil
}

// chunkIDForOffset finds the chunk containing a global character offset.
// Overlap regions belong to the earlier chunk. Empty for unchunked content.
func chunkIDForOffset(chunks []store.Chunk, offset int) string {
	for _, ch := range chunks {
		if offset >= ch.StartChar && offset < ch.EndChar {
			return ch.ChunkID
		}
	}
	return ""
}

// parseEventTime parses the model's RFC 3339 timestamp, nil when absent or
// malformed.
func parseEventTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return nil
		}
	}
	return &t
}
