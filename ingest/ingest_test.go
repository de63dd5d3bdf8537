package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/chunker"
	"github.com/engramdev/engram/store"
	"github.com/engramdev/engram/vecstore"
)

// fakeRevisionStore is an in-memory RevisionStore.
type fakeRevisionStore struct {
	uids      map[string]string // source_system\x00source_id -> uid
	latest    map[string]*store.ArtifactRevision
	inserted  []*store.ArtifactRevision
	chunks    map[string][]store.Chunk
	jobs      []uuid.UUID
	forgotten []string

	insertErr  error
	enqueueErr error
}

func newFakeRevisionStore() *fakeRevisionStore {
	return &fakeRevisionStore{
		uids:   make(map[string]string),
		latest: make(map[string]*store.ArtifactRevision),
		chunks: make(map[string][]store.Chunk),
	}
}

func (f *fakeRevisionStore) ResolveUID(ctx context.Context, sourceSystem, sourceID string) (string, bool, error) {
	uid, ok := f.uids[sourceSystem+"\x00"+sourceID]
	return uid, ok, nil
}

func (f *fakeRevisionStore) LatestRevision(ctx context.Context, artifactUID string) (*store.ArtifactRevision, error) {
	if rev, ok := f.latest[artifactUID]; ok {
		return rev, nil
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeRevisionStore) InsertRevision(ctx context.Context, rev *store.ArtifactRevision, chunks []store.Chunk) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, rev)
	f.uids[rev.SourceSystem+"\x00"+rev.SourceID] = rev.ArtifactUID
	f.latest[rev.ArtifactUID] = rev
	f.chunks[rev.ArtifactUID] = chunks
	return nil
}

func (f *fakeRevisionStore) ForgetRevision(ctx context.Context, artifactUID string, revisionID int) (store.DeletedCounts, error) {
	f.forgotten = append(f.forgotten, artifactUID)
	delete(f.latest, artifactUID)
	return store.DeletedCounts{Revisions: 1}, nil
}

func (f *fakeRevisionStore) Enqueue(ctx context.Context, artifactUID string, revisionID int, jobType string, maxAttempts int) (uuid.UUID, error) {
	if f.enqueueErr != nil {
		return uuid.Nil, f.enqueueErr
	}
	id := uuid.New()
	f.jobs = append(f.jobs, id)
	return id, nil
}

// fakeVectorStore records upserts and deletes per collection.
type fakeVectorStore struct {
	upserts         map[string][]vecstore.Point
	deletes         map[string][]string
	artifactDeletes []string
	upsertErr       map[string]error
	artifactDelErr  error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		upserts:   make(map[string][]vecstore.Point),
		deletes:   make(map[string][]string),
		upsertErr: make(map[string]error),
	}
}

func (f *fakeVectorStore) Upsert(ctx context.Context, collection string, points []vecstore.Point) error {
	if err := f.upsertErr[collection]; err != nil {
		return err
	}
	f.upserts[collection] = append(f.upserts[collection], points...)
	return nil
}

func (f *fakeVectorStore) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	f.deletes[collection] = append(f.deletes[collection], ids...)
	return nil
}

func (f *fakeVectorStore) DeleteByArtifact(ctx context.Context, artifactID string) error {
	if f.artifactDelErr != nil {
		return f.artifactDelErr
	}
	f.artifactDeletes = append(f.artifactDeletes, artifactID)
	return nil
}

// fixedEmbedder returns unit vectors.
type fixedEmbedder struct {
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestPipeline(t *testing.T, rs *fakeRevisionStore, vs *fakeVectorStore, emb *fixedEmbedder) *Pipeline {
	t.Helper()
	ch, err := chunker.New(chunker.Config{SinglePieceMax: 50, Target: 40, Overlap: 8})
	if err != nil {
		t.Fatalf("creating chunker: %v", err)
	}
	return New(rs, vs, emb, ch, 5)
}

func rememberReq(content string) Request {
	return Request{
		Content:      content,
		Context:      "note",
		SourceSystem: "test",
		SourceID:     "doc-1",
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestRememberValidation(t *testing.T) {
	p := newTestPipeline(t, newFakeRevisionStore(), newFakeVectorStore(), &fixedEmbedder{})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty content", Request{Content: "   ", Context: "note"}},
		{"bad type", Request{Content: "x", Context: "tweet"}},
		{"bad sensitivity", Request{Content: "x", Context: "note", Sensitivity: "secret"}},
		{"bad visibility", Request{Content: "x", Context: "note", Visibility: "world"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Remember(context.Background(), tt.req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRememberDefaults(t *testing.T) {
	rs := newFakeRevisionStore()
	p := newTestPipeline(t, rs, newFakeVectorStore(), &fixedEmbedder{})

	res, err := p.Remember(context.Background(), Request{Content: "hello world", Context: "note"})
	if err != nil {
		t.Fatalf("remembering: %v", err)
	}
	rev := rs.inserted[0]
	if rev.SourceSystem != "mcp" {
		t.Errorf("source_system default = %q, want mcp", rev.SourceSystem)
	}
	if rev.SourceID != rev.ContentHash {
		t.Error("source_id must default to the content hash")
	}
	if rev.Sensitivity != "normal" || rev.VisibilityScope != "me" {
		t.Errorf("defaults = %q/%q", rev.Sensitivity, rev.VisibilityScope)
	}
	if !strings.HasPrefix(res.ArtifactID, "art_") || len(res.ArtifactID) != 16 {
		t.Errorf("artifact id grammar violated: %q", res.ArtifactID)
	}
}

// ---------------------------------------------------------------------------
// Dedup and revisions
// ---------------------------------------------------------------------------

func TestRememberDedupUnchanged(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	first, err := p.Remember(context.Background(), rememberReq("same content"))
	if err != nil {
		t.Fatalf("first remember: %v", err)
	}

	second, err := p.Remember(context.Background(), rememberReq("same content"))
	if err != nil {
		t.Fatalf("second remember: %v", err)
	}
	if second.Status != StatusUnchanged {
		t.Fatalf("status = %q, want unchanged", second.Status)
	}
	if second.ArtifactUID != first.ArtifactUID || second.RevisionID != first.RevisionID {
		t.Error("unchanged result must return the existing ids")
	}
	if len(rs.jobs) != 1 {
		t.Errorf("unchanged content must not enqueue a job, got %d jobs", len(rs.jobs))
	}
	if len(rs.inserted) != 1 {
		t.Errorf("unchanged content must not insert a revision, got %d", len(rs.inserted))
	}
}

func TestRememberNewRevisionKeepsUID(t *testing.T) {
	rs := newFakeRevisionStore()
	p := newTestPipeline(t, rs, newFakeVectorStore(), &fixedEmbedder{})

	first, err := p.Remember(context.Background(), rememberReq("version one"))
	if err != nil {
		t.Fatalf("first remember: %v", err)
	}
	second, err := p.Remember(context.Background(), rememberReq("version two"))
	if err != nil {
		t.Fatalf("second remember: %v", err)
	}

	if second.ArtifactUID != first.ArtifactUID {
		t.Error("same source identity must keep its uid across revisions")
	}
	if second.RevisionID != first.RevisionID+1 {
		t.Errorf("revision = %d, want %d", second.RevisionID, first.RevisionID+1)
	}
	if second.ArtifactID == first.ArtifactID {
		t.Error("different content must get a different artifact id")
	}
}

func TestRememberSupersededPointsDeleted(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	first, err := p.Remember(context.Background(), rememberReq("version one"))
	if err != nil {
		t.Fatalf("first remember: %v", err)
	}
	if len(vs.artifactDeletes) != 0 {
		t.Fatal("first revision has nothing to supersede")
	}

	if _, err := p.Remember(context.Background(), rememberReq("version two")); err != nil {
		t.Fatalf("second remember: %v", err)
	}
	if len(vs.artifactDeletes) != 1 || vs.artifactDeletes[0] != first.ArtifactID {
		t.Errorf("superseded points not deleted, got %v, want [%s]", vs.artifactDeletes, first.ArtifactID)
	}
}

func TestRememberSupersededDeleteFailureNonFatal(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	vs.artifactDelErr = apperr.ErrStorage
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	if _, err := p.Remember(context.Background(), rememberReq("version one")); err != nil {
		t.Fatalf("first remember: %v", err)
	}
	res, err := p.Remember(context.Background(), rememberReq("version two"))
	if err != nil {
		t.Fatalf("superseded-point cleanup must be best effort: %v", err)
	}
	if res.Status != StatusIngested {
		t.Errorf("status = %q, want ingested", res.Status)
	}
}

// ---------------------------------------------------------------------------
// Chunking decision
// ---------------------------------------------------------------------------

func TestRememberShortContentSinglePiece(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	_, err := p.Remember(context.Background(), rememberReq("just a short note"))
	if err != nil {
		t.Fatalf("remembering: %v", err)
	}

	rev := rs.inserted[0]
	if rev.IsChunked || rev.ChunkCount != 0 {
		t.Errorf("short content must not be chunked (chunked=%v count=%d)", rev.IsChunked, rev.ChunkCount)
	}
	if len(vs.upserts[vecstore.CollectionContent]) != 1 {
		t.Error("expected one content point")
	}
	if len(vs.upserts[vecstore.CollectionChunks]) != 0 {
		t.Error("unchunked content must not write chunk points")
	}
}

func TestRememberLongContentChunks(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	long := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)
	res, err := p.Remember(context.Background(), rememberReq(long))
	if err != nil {
		t.Fatalf("remembering: %v", err)
	}

	rev := rs.inserted[0]
	if !rev.IsChunked {
		t.Fatal("long content must be chunked")
	}
	if rev.ChunkCount < 2 {
		t.Errorf("chunked revisions must have at least 2 chunks, got %d", rev.ChunkCount)
	}
	if res.ChunkCount != rev.ChunkCount {
		t.Error("result chunk count disagrees with the revision row")
	}
	if got := len(vs.upserts[vecstore.CollectionChunks]); got != rev.ChunkCount {
		t.Errorf("chunk points = %d, want %d", got, rev.ChunkCount)
	}
	if got := len(rs.chunks[res.ArtifactUID]); got != rev.ChunkCount {
		t.Errorf("relational chunk mirror = %d rows, want %d", got, rev.ChunkCount)
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestRememberEmbeddingFailureNoWrites(t *testing.T) {
	rs := newFakeRevisionStore()
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{err: apperr.ErrEmbeddingFailed})

	_, err := p.Remember(context.Background(), rememberReq("content"))
	if !errors.Is(err, apperr.ErrEmbeddingFailed) {
		t.Fatalf("expected embedding error, got %v", err)
	}
	if len(vs.upserts[vecstore.CollectionContent]) != 0 || len(rs.inserted) != 0 {
		t.Error("embedding failure must leave no state behind")
	}
}

func TestRememberCompensatesOnRelationalFailure(t *testing.T) {
	rs := newFakeRevisionStore()
	rs.insertErr = apperr.ErrStorage
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	_, err := p.Remember(context.Background(), rememberReq("content"))
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(vs.upserts[vecstore.CollectionContent]) != 1 {
		t.Fatal("vector write should have happened before the failure")
	}
	if len(vs.deletes[vecstore.CollectionContent]) != 1 {
		t.Error("vector write must be compensated after relational failure")
	}
}

func TestRememberCompensatesOnEnqueueFailure(t *testing.T) {
	rs := newFakeRevisionStore()
	rs.enqueueErr = apperr.ErrStorage
	vs := newFakeVectorStore()
	p := newTestPipeline(t, rs, vs, &fixedEmbedder{})

	_, err := p.Remember(context.Background(), rememberReq("content"))
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(vs.deletes[vecstore.CollectionContent]) != 1 {
		t.Error("vector write must be compensated after enqueue failure")
	}
	if len(rs.forgotten) != 1 {
		t.Error("revision row must be rolled back after enqueue failure")
	}
}
