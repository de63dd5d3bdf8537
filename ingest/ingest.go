// Package ingest implements the remember pipeline: validation, content
// addressing, revision bookkeeping, chunking, and the two-phase write
// across the vector and relational stores.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/chunker"
	"github.com/engramdev/engram/store"
	"github.com/engramdev/engram/vecstore"
)

// Artifact types accepted by remember.
var artifactTypes = map[string]bool{
	"email":      true,
	"doc":        true,
	"chat":       true,
	"transcript": true,
	"note":       true,
}

var sensitivities = map[string]bool{"normal": true, "sensitive": true}
var visibilities = map[string]bool{"me": true, "team": true, "public": true}

// Statuses returned by Remember.
const (
	StatusIngested  = "ingested"
	StatusUnchanged = "unchanged"
)

// RevisionStore is the slice of the relational store the pipeline needs.
type RevisionStore interface {
	ResolveUID(ctx context.Context, sourceSystem, sourceID string) (string, bool, error)
	LatestRevision(ctx context.Context, artifactUID string) (*store.ArtifactRevision, error)
	InsertRevision(ctx context.Context, rev *store.ArtifactRevision, chunks []store.Chunk) error
	ForgetRevision(ctx context.Context, artifactUID string, revisionID int) (store.DeletedCounts, error)
	Enqueue(ctx context.Context, artifactUID string, revisionID int, jobType string, maxAttempts int) (uuid.UUID, error)
}

// VectorStore is the slice of the vector store the pipeline needs.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []vecstore.Point) error
	DeleteByIDs(ctx context.Context, collection string, ids []string) error
	DeleteByArtifact(ctx context.Context, artifactID string) error
}

// Embedder generates the content embeddings for phase 1.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Request is one remember call.
type Request struct {
	Content      string
	Context      string // artifact type
	Title        string
	SourceSystem string
	SourceID     string
	SourceTS     *time.Time
	DocumentDate *time.Time
	Author       string
	Participants []string
	Sensitivity  string
	Visibility   string
}

// Result is what remember returns.
type Result struct {
	ArtifactUID string    `json:"artifact_uid"`
	ArtifactID  string    `json:"artifact_id"`
	RevisionID  int       `json:"revision_id"`
	Status      string    `json:"status"`
	ChunkCount  int       `json:"chunk_count"`
	JobID       uuid.UUID `json:"job_id,omitempty"`
}

// Pipeline runs remember.
type Pipeline struct {
	store       RevisionStore
	vectors     VectorStore
	embedder    Embedder
	chunker     *chunker.Chunker
	maxAttempts int
}

// New creates a Pipeline.
func New(rs RevisionStore, vs VectorStore, embedder Embedder, ch *chunker.Chunker, jobMaxAttempts int) *Pipeline {
	if jobMaxAttempts <= 0 {
		jobMaxAttempts = 5
	}
	return &Pipeline{
		store:       rs,
		vectors:     vs,
		embedder:    embedder,
		chunker:     ch,
		maxAttempts: jobMaxAttempts,
	}
}

// Canonicalize normalizes content before hashing: line endings become LF
// and trailing whitespace is dropped. All stored offsets refer to the
// canonical form.
func Canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return strings.TrimRight(content, " \t\n")
}

// ArtifactID derives the content-addressed handle from a full hash.
func ArtifactID(contentHash string) string {
	return "art_" + contentHash[:12]
}

// ContentHash returns the hex SHA-256 of canonicalized content.
func ContentHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) validate(req *Request) error {
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content is empty", apperr.ErrValidation)
	}
	if !artifactTypes[req.Context] {
		return fmt.Errorf("%w: unknown artifact type %q", apperr.ErrValidation, req.Context)
	}
	if req.Sensitivity == "" {
		req.Sensitivity = "normal"
	}
	if !sensitivities[req.Sensitivity] {
		return fmt.Errorf("%w: unknown sensitivity %q", apperr.ErrValidation, req.Sensitivity)
	}
	if req.Visibility == "" {
		req.Visibility = "me"
	}
	if !visibilities[req.Visibility] {
		return fmt.Errorf("%w: unknown visibility %q", apperr.ErrValidation, req.Visibility)
	}
	if req.SourceSystem == "" {
		req.SourceSystem = "mcp"
	}
	return nil
}

// Remember ingests one artifact. Identical content for the same source
// identity short-circuits with status=unchanged and no job.
func (p *Pipeline) Remember(ctx context.Context, req Request) (*Result, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}

	canonical := Canonicalize(req.Content)
	if canonical == "" {
		return nil, fmt.Errorf("%w: content is empty after canonicalization", apperr.ErrValidation)
	}
	contentHash := ContentHash(canonical)
	artifactID := ArtifactID(contentHash)
	if req.SourceID == "" {
		req.SourceID = contentHash
	}

	uid, found, err := p.store.ResolveUID(ctx, req.SourceSystem, req.SourceID)
	if err != nil {
		return nil, err
	}

	revisionID := 1
	supersededID := ""
	if found {
		latest, err := p.store.LatestRevision(ctx, uid)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if latest != nil {
			if latest.ContentHash == contentHash {
				return &Result{
					ArtifactUID: uid,
					ArtifactID:  latest.ArtifactID,
					RevisionID:  latest.RevisionID,
					Status:      StatusUnchanged,
					ChunkCount:  latest.ChunkCount,
				}, nil
			}
			revisionID = latest.RevisionID + 1
			supersededID = latest.ArtifactID
		}
	} else {
		uid = uuid.NewString()
	}

	tokenCount := p.chunker.CountTokens(canonical)
	shouldChunk, _ := p.chunker.ShouldChunk(canonical)

	rev := &store.ArtifactRevision{
		ArtifactUID:     uid,
		RevisionID:      revisionID,
		ArtifactID:      artifactID,
		ContentHash:     contentHash,
		ArtifactType:    req.Context,
		SourceSystem:    req.SourceSystem,
		SourceID:        req.SourceID,
		SourceTS:        req.SourceTS,
		Title:           req.Title,
		DocumentDate:    req.DocumentDate,
		Author:          req.Author,
		Participants:    req.Participants,
		Sensitivity:     req.Sensitivity,
		VisibilityScope: req.Visibility,
		Content:         canonical,
		TokenCount:      tokenCount,
		IsLatest:        true,
		IngestedAt:      time.Now().UTC(),
	}

	var chunks []store.Chunk
	var contentPoints, chunkPoints []vecstore.Point

	if shouldChunk {
		cut, err := p.chunker.Chunk(canonical, artifactID)
		if err != nil {
			return nil, fmt.Errorf("%w: chunking: %v", apperr.ErrInternal, err)
		}
		rev.IsChunked = true
		rev.ChunkCount = len(cut)

		texts := make([]string, len(cut))
		for i, ch := range cut {
			texts[i] = ch.Content
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}

		for i, ch := range cut {
			chunks = append(chunks, store.Chunk{
				ChunkID:     ch.ChunkID,
				ArtifactUID: uid,
				RevisionID:  revisionID,
				ArtifactID:  artifactID,
				ChunkIndex:  ch.Index,
				Content:     ch.Content,
				StartChar:   ch.StartChar,
				EndChar:     ch.EndChar,
				TokenCount:  ch.TokenCount,
				ContentHash: ch.ContentHash,
			})
			chunkPoints = append(chunkPoints, vecstore.Point{
				ID:     ch.ChunkID,
				Vector: vecs[i],
				Payload: map[string]any{
					"artifact_id":      artifactID,
					"artifact_uid":     uid,
					"revision_id":      revisionID,
					"chunk_index":      ch.Index,
					"start_char":       ch.StartChar,
					"end_char":         ch.EndChar,
					"token_count":      ch.TokenCount,
					"content_hash":     ch.ContentHash,
					"title":            req.Title,
					"sensitivity":      req.Sensitivity,
					"visibility_scope": req.Visibility,
					"ingested_at":      rev.IngestedAt.Format(time.RFC3339),
				},
			})
		}
	} else {
		vecs, err := p.embedder.Embed(ctx, []string{canonical})
		if err != nil {
			return nil, err
		}
		contentPoints = append(contentPoints, vecstore.Point{
			ID:     artifactID,
			Vector: vecs[0],
			Payload: map[string]any{
				"artifact_id":      artifactID,
				"artifact_uid":     uid,
				"revision_id":      revisionID,
				"token_count":      tokenCount,
				"content_hash":     contentHash,
				"title":            req.Title,
				"sensitivity":      req.Sensitivity,
				"visibility_scope": req.Visibility,
				"ingested_at":      rev.IngestedAt.Format(time.RFC3339),
			},
		})
	}

	// Phase 2a: vector writes first; they are the side we know how to undo.
	if len(contentPoints) > 0 {
		if err := p.vectors.Upsert(ctx, vecstore.CollectionContent, contentPoints); err != nil {
			return nil, err
		}
	}
	if len(chunkPoints) > 0 {
		if err := p.vectors.Upsert(ctx, vecstore.CollectionChunks, chunkPoints); err != nil {
			p.compensate(ctx, contentPoints, nil)
			return nil, err
		}
	}

	// Phase 2b: relational revision row + chunk mirror.
	if err := p.store.InsertRevision(ctx, rev, chunks); err != nil {
		p.compensate(ctx, contentPoints, chunkPoints)
		return nil, err
	}

	// Phase 2c: extraction job.
	jobID, err := p.store.Enqueue(ctx, uid, revisionID, store.JobTypeExtractEvents, p.maxAttempts)
	if err != nil {
		p.compensate(ctx, contentPoints, chunkPoints)
		if _, ferr := p.store.ForgetRevision(ctx, uid, revisionID); ferr != nil {
			slog.Error("ingest: rolling back revision after enqueue failure",
				"artifact_uid", uid, "revision_id", revisionID, "error", ferr)
		}
		return nil, err
	}

	// The superseded revision's points would otherwise keep surfacing next
	// to the new ones. Best effort: recall's latest-revision filter hides
	// any leftovers until a later write cleans them up.
	if supersededID != "" && supersededID != artifactID {
		if err := p.vectors.DeleteByArtifact(ctx, supersededID); err != nil {
			slog.Warn("ingest: deleting superseded revision points",
				"artifact_uid", uid, "artifact_id", supersededID, "error", err)
		}
	}

	slog.Info("ingest: artifact ingested",
		"artifact_uid", uid,
		"artifact_id", artifactID,
		"revision_id", revisionID,
		"chunked", rev.IsChunked,
		"chunks", rev.ChunkCount,
		"tokens", tokenCount,
	)

	return &Result{
		ArtifactUID: uid,
		ArtifactID:  artifactID,
		RevisionID:  revisionID,
		Status:      StatusIngested,
		ChunkCount:  rev.ChunkCount,
		JobID:       jobID,
	}, nil
}

// compensate deletes vector writes after a relational failure. Failures
// here are logged, not surfaced; the original error matters more.
func (p *Pipeline) compensate(ctx context.Context, contentPoints, chunkPoints []vecstore.Point) {
	if len(contentPoints) > 0 {
		ids := make([]string, len(contentPoints))
		for i, pt := range contentPoints {
			ids[i] = pt.ID
		}
		if err := p.vectors.DeleteByIDs(ctx, vecstore.CollectionContent, ids); err != nil {
			slog.Error("ingest: compensating content points", "error", err)
		}
	}
	if len(chunkPoints) > 0 {
		ids := make([]string, len(chunkPoints))
		for i, pt := range chunkPoints {
			ids[i] = pt.ID
		}
		if err := p.vectors.DeleteByIDs(ctx, vecstore.CollectionChunks, ids); err != nil {
			slog.Error("ingest: compensating chunk points", "error", err)
		}
	}
}
