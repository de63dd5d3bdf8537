// Package retrieval answers recall queries: multi-index vector search fused
// with reciprocal-rank fusion, chunk/artifact deduplication, neighbor
// expansion, and graph expansion over the entity relation graph.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/chunker"
	"github.com/engramdev/engram/store"
	"github.com/engramdev/engram/vecstore"
)

// VectorSearcher is the slice of the vector store the engine needs.
type VectorSearcher interface {
	Query(ctx context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]vecstore.Hit, error)
}

// GraphStore is the slice of the relational store the engine needs.
type GraphStore interface {
	GetRevisionByArtifactID(ctx context.Context, artifactID string) (*store.ArtifactRevision, error)
	GetChunkWithNeighbors(ctx context.Context, chunkID string) (prev, target, next *store.Chunk, err error)
	FilterExistingArtifactIDs(ctx context.Context, ids []string) (map[string]bool, error)
	GetEvents(ctx context.Context, artifactUID string, revisionID int) ([]store.Event, error)
	GetEvidence(ctx context.Context, eventIDs []uuid.UUID) (map[uuid.UUID][]store.Evidence, error)
	GetEntities(ctx context.Context, ids []uuid.UUID) ([]store.Entity, error)
	EntityIDsForArtifacts(ctx context.Context, artifactUIDs []string, relations []string) (map[string][]uuid.UUID, error)
	ArtifactsForEntities(ctx context.Context, entityIDs []uuid.UUID, relations []string) (map[uuid.UUID][]string, error)
	EdgesForEntities(ctx context.Context, entityIDs []uuid.UUID, types []string) ([]store.Edge, error)
	LatestArtifactIDs(ctx context.Context, artifactUIDs []string) (map[string]string, error)
}

// Embedder embeds the query text.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Config tunes fusion and graph expansion. Zero values get the defaults.
type Config struct {
	Overfetch            int           // 3
	RRFK                 int           // 60
	GraphDepth           int           // 2
	GraphBudget          int           // 20
	HopWeight            float64       // 1.0
	SharedEntityWeight   float64       // 0.1
	EdgeConfidenceWeight float64       // 0.05
	Budget               time.Duration // wall clock per recall, 10s
	Relations            []string      // traversable relations, empty means all
}

func (c Config) withDefaults() Config {
	if c.Overfetch <= 0 {
		c.Overfetch = 3
	}
	if c.Budget <= 0 {
		c.Budget = 10 * time.Second
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.GraphDepth <= 0 {
		c.GraphDepth = 2
	}
	if c.GraphBudget <= 0 {
		c.GraphBudget = 20
	}
	if c.HopWeight == 0 {
		c.HopWeight = 1.0
	}
	if c.SharedEntityWeight == 0 {
		c.SharedEntityWeight = 0.1
	}
	if c.EdgeConfidenceWeight == 0 {
		c.EdgeConfidenceWeight = 0.05
	}
	return c
}

// Options is one recall request.
type Options struct {
	Query           string
	Limit           int // default 10
	Expand          bool
	IncludeEvents   bool
	IncludeEntities bool
	IncludeEdges    bool
	EdgeTypes       []string
	GraphBudget     int // overrides Config.GraphBudget when > 0
}

// Result is one primary hit.
type Result struct {
	ArtifactID  string      `json:"artifact_id"`
	ArtifactUID string      `json:"artifact_uid"`
	RevisionID  int         `json:"revision_id"`
	Title       string      `json:"title,omitempty"`
	ChunkID     string      `json:"chunk_id,omitempty"`
	Content     string      `json:"content"`
	Score       float64     `json:"score"`
	Events      []EventView `json:"events,omitempty"`
}

// Related is one artifact reached via graph expansion.
type Related struct {
	ArtifactID     string  `json:"artifact_id"`
	ArtifactUID    string  `json:"artifact_uid"`
	Score          float64 `json:"score"`
	HopDistance    int     `json:"hop_distance"`
	SharedEntities int     `json:"shared_entities"`
}

// EventView is an event with its evidence attached.
type EventView struct {
	store.Event
	Evidence []store.Evidence `json:"evidence"`
}

// Response is the full recall answer. Results and Related never share an
// artifact.
type Response struct {
	Results  []Result       `json:"results"`
	Related  []Related      `json:"related,omitempty"`
	Entities []store.Entity `json:"entities,omitempty"`
	Edges    []store.Edge   `json:"edges,omitempty"`
}

// Engine runs recall.
type Engine struct {
	vectors  VectorSearcher
	store    GraphStore
	embedder Embedder
	cfg      Config
}

// New creates an Engine.
func New(vs VectorSearcher, gs GraphStore, emb Embedder, cfg Config) *Engine {
	return &Engine{vectors: vs, store: gs, embedder: emb, cfg: cfg.withDefaults()}
}

// Recall answers a natural-language query within the configured wall-clock
// budget. A recall that outlives the budget fails with ErrTimeout.
func (e *Engine) Recall(ctx context.Context, opts Options) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()
	resp, err := e.recall(ctx, opts)
	return resp, e.budgetErr(ctx, err)
}

func (e *Engine) recall(ctx context.Context, opts Options) (*Response, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", apperr.ErrValidation)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	vec, err := e.embedder.EmbedOne(ctx, opts.Query)
	if err != nil {
		return nil, err
	}

	overfetch := opts.Limit * e.cfg.Overfetch
	var rankings [][]string
	for _, collection := range []string{vecstore.CollectionContent, vecstore.CollectionChunks} {
		hits, err := e.vectors.Query(ctx, collection, vec, overfetch, nil)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		rankings = append(rankings, ids)
	}

	fused := rrfFuse(rankings, e.cfg.RRFK)
	reps := dedupeByArtifact(fused)

	// Stale vector entries point at forgotten revisions; drop them before
	// truncating so the limit is filled with live artifacts.
	artIDs := make([]string, len(reps))
	for i, r := range reps {
		artIDs[i] = r.artifactID
	}
	live, err := e.store.FilterExistingArtifactIDs(ctx, artIDs)
	if err != nil {
		return nil, err
	}
	kept := reps[:0]
	for _, r := range reps {
		if live[r.artifactID] {
			kept = append(kept, r)
		}
	}
	if len(kept) > opts.Limit {
		kept = kept[:opts.Limit]
	}

	resp := &Response{}
	for _, rep := range kept {
		res, err := e.buildResult(ctx, rep, opts.Expand)
		if err != nil {
			// The revision can vanish between the filter and the read.
			slog.Warn("retrieval: skipping vanished artifact", "artifact_id", rep.artifactID, "error", err)
			continue
		}
		resp.Results = append(resp.Results, *res)
	}

	resultUIDs := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		resultUIDs = append(resultUIDs, r.ArtifactUID)
	}

	if opts.IncludeEvents {
		for i := range resp.Results {
			views, err := e.eventViews(ctx, resp.Results[i].ArtifactUID, resp.Results[i].RevisionID)
			if err != nil {
				return nil, err
			}
			resp.Results[i].Events = views
		}
	}

	if opts.Expand && len(resultUIDs) > 0 {
		budget := opts.GraphBudget
		if budget <= 0 {
			budget = e.cfg.GraphBudget
		}
		related, edges, entityIDs, err := e.expandGraph(ctx, resultUIDs, opts.EdgeTypes, budget)
		if err != nil {
			// Partial results beat a failed recall; expansion is best effort.
			slog.Warn("retrieval: graph expansion failed", "error", err)
		} else {
			resp.Related = related
			if opts.IncludeEdges {
				resp.Edges = edges
			}
			if opts.IncludeEntities {
				resp.Entities, err = e.store.GetEntities(ctx, entityIDs)
				if err != nil {
					return nil, err
				}
			}
		}
	} else if opts.IncludeEntities && len(resultUIDs) > 0 {
		// Listing the result's own entities is not a traversal; no filter.
		byUID, err := e.store.EntityIDsForArtifacts(ctx, resultUIDs, nil)
		if err != nil {
			return nil, err
		}
		resp.Entities, err = e.store.GetEntities(ctx, uniqueEntityIDs(byUID))
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// ByID returns one artifact's latest content with optional events. Serves
// recall(id=…). The same wall-clock budget as Recall applies.
func (e *Engine) ByID(ctx context.Context, artifactID string, includeEvents bool) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()
	resp, err := e.byID(ctx, artifactID, includeEvents)
	return resp, e.budgetErr(ctx, err)
}

func (e *Engine) byID(ctx context.Context, artifactID string, includeEvents bool) (*Response, error) {
	rev, err := e.store.GetRevisionByArtifactID(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	res := Result{
		ArtifactID:  rev.ArtifactID,
		ArtifactUID: rev.ArtifactUID,
		RevisionID:  rev.RevisionID,
		Title:       rev.Title,
		Content:     rev.Content,
		Score:       1,
	}
	if includeEvents {
		if res.Events, err = e.eventViews(ctx, rev.ArtifactUID, rev.RevisionID); err != nil {
			return nil, err
		}
	}
	return &Response{Results: []Result{res}}, nil
}

// budgetErr maps a failure caused by budget expiry onto the stable timeout
// error. Errors unrelated to the deadline pass through.
func (e *Engine) budgetErr(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: recall exceeded its %s budget: %v", apperr.ErrTimeout, e.cfg.Budget, err)
	}
	return err
}

// relationEnabled reports whether the configured relation filter admits name.
func (e *Engine) relationEnabled(name string) bool {
	if len(e.cfg.Relations) == 0 {
		return true
	}
	for _, r := range e.cfg.Relations {
		if r == name {
			return true
		}
	}
	return false
}

// representative is the surviving hit for one artifact after dedup.
type representative struct {
	id         string // chunk id or artifact id
	artifactID string
	score      float64
	isChunk    bool
}

// rrfFuse merges per-index rankings with reciprocal-rank fusion:
// score(item) = Σ_i 1/(k + rank_i), ranks 1-based, absent items contribute 0.
func rrfFuse(rankings [][]string, k int) map[string]float64 {
	scores := make(map[string]float64)
	for _, ranking := range rankings {
		for i, id := range ranking {
			scores[id] += 1.0 / float64(k+i+1)
		}
	}
	return scores
}

// dedupeByArtifact keeps one representative per artifact: a chunk hit beats
// the full-artifact hit, and among chunks the best fused score wins. The
// output is sorted by score descending, ties broken by id for determinism.
func dedupeByArtifact(fused map[string]float64) []representative {
	best := make(map[string]representative)
	for id, score := range fused {
		artifactID := chunker.ArtifactIDOfChunk(id)
		isChunk := id != artifactID
		cur, ok := best[artifactID]
		switch {
		case !ok:
			best[artifactID] = representative{id: id, artifactID: artifactID, score: score, isChunk: isChunk}
		case isChunk && !cur.isChunk:
			best[artifactID] = representative{id: id, artifactID: artifactID, score: score, isChunk: true}
		case isChunk == cur.isChunk && score > cur.score:
			best[artifactID] = representative{id: id, artifactID: artifactID, score: score, isChunk: isChunk}
		}
	}

	out := make([]representative, 0, len(best))
	for _, rep := range best {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// buildResult loads the content behind a representative, expanding chunk
// hits with their siblings when requested.
func (e *Engine) buildResult(ctx context.Context, rep representative, expand bool) (*Result, error) {
	if !rep.isChunk {
		rev, err := e.store.GetRevisionByArtifactID(ctx, rep.artifactID)
		if err != nil {
			return nil, err
		}
		return &Result{
			ArtifactID:  rev.ArtifactID,
			ArtifactUID: rev.ArtifactUID,
			RevisionID:  rev.RevisionID,
			Title:       rev.Title,
			Content:     rev.Content,
			Score:       rep.score,
		}, nil
	}

	prev, target, next, err := e.store.GetChunkWithNeighbors(ctx, rep.id)
	if err != nil {
		return nil, err
	}
	content := target.Content
	if expand {
		var prevText, nextText string
		if prev != nil {
			prevText = prev.Content
		}
		if next != nil {
			nextText = next.Content
		}
		content = chunker.ExpandWithNeighbors(prevText, target.Content, nextText)
	}

	rev, err := e.store.GetRevisionByArtifactID(ctx, rep.artifactID)
	if err != nil {
		return nil, err
	}
	return &Result{
		ArtifactID:  rep.artifactID,
		ArtifactUID: target.ArtifactUID,
		RevisionID:  target.RevisionID,
		Title:       rev.Title,
		ChunkID:     rep.id,
		Content:     content,
		Score:       rep.score,
	}, nil
}

func (e *Engine) eventViews(ctx context.Context, artifactUID string, revisionID int) ([]EventView, error) {
	events, err := e.store.GetEvents(ctx, artifactUID, revisionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	evidence, err := e.store.GetEvidence(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = EventView{Event: ev, Evidence: evidence[ev.EventID]}
	}
	return views, nil
}

// graphCandidate accumulates scoring inputs for one reached artifact.
type graphCandidate struct {
	hop         int
	shared      int
	edgeConfSum float64
}

// GraphScore computes the relevance of a reached artifact:
// hopWeight/hop + sharedWeight·shared_entities + edgeWeight·edge_confidence_sum.
func (c Config) GraphScore(hop, sharedEntities int, edgeConfidenceSum float64) float64 {
	return c.HopWeight/float64(hop) +
		c.SharedEntityWeight*float64(sharedEntities) +
		c.EdgeConfidenceWeight*edgeConfidenceSum
}

// expandGraph walks the configured entity relations outward from the primary
// artifacts up to GraphDepth hops and scores every newly reached artifact.
// Primary artifacts are never returned as related.
func (e *Engine) expandGraph(ctx context.Context, primaryUIDs, edgeTypes []string, budget int) ([]Related, []store.Edge, []uuid.UUID, error) {
	visitedArtifacts := make(map[string]bool, len(primaryUIDs))
	for _, uid := range primaryUIDs {
		visitedArtifacts[uid] = true
	}
	// The walk is strictly hop-by-hop, so an entity or artifact is always
	// first reached at its minimal hop distance; keying the visited sets by
	// id alone cannot misplace anything at a deeper hop.
	visitedEntities := make(map[uuid.UUID]bool)
	candidates := make(map[string]*graphCandidate)
	var allEdges []store.Edge
	var allEntityIDs []uuid.UUID

	frontier := primaryUIDs
	for hop := 1; hop <= e.cfg.GraphDepth && len(frontier) > 0; hop++ {
		byUID, err := e.store.EntityIDsForArtifacts(ctx, frontier, e.cfg.Relations)
		if err != nil {
			return nil, nil, nil, err
		}

		var fresh []uuid.UUID
		for _, ids := range byUID {
			for _, id := range ids {
				if !visitedEntities[id] {
					visitedEntities[id] = true
					fresh = append(fresh, id)
				}
			}
		}
		if len(fresh) == 0 {
			break
		}
		allEntityIDs = append(allEntityIDs, fresh...)

		var edges []store.Edge
		if e.relationEnabled(store.RelationEntityEdge) {
			edges, err = e.store.EdgesForEntities(ctx, fresh, edgeTypes)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		allEdges = append(allEdges, edges...)

		// Explicit edges pull the far endpoint into this hop's entity set,
		// and contribute their confidence to artifacts it reaches.
		edgeConf := make(map[uuid.UUID]float64)
		for _, edge := range edges {
			edgeConf[edge.SourceEntityID] += edge.Confidence
			edgeConf[edge.TargetEntityID] += edge.Confidence
			for _, far := range []uuid.UUID{edge.SourceEntityID, edge.TargetEntityID} {
				if !visitedEntities[far] {
					visitedEntities[far] = true
					fresh = append(fresh, far)
					allEntityIDs = append(allEntityIDs, far)
				}
			}
		}

		byEntity, err := e.store.ArtifactsForEntities(ctx, fresh, e.cfg.Relations)
		if err != nil {
			return nil, nil, nil, err
		}

		var nextFrontier []string
		for entityID, uids := range byEntity {
			for _, uid := range uids {
				if visitedArtifacts[uid] {
					continue
				}
				c, ok := candidates[uid]
				if !ok {
					c = &graphCandidate{hop: hop}
					candidates[uid] = c
					nextFrontier = append(nextFrontier, uid)
				}
				c.shared++
				c.edgeConfSum += edgeConf[entityID]
			}
		}
		for _, uid := range nextFrontier {
			visitedArtifacts[uid] = true
		}
		frontier = nextFrontier
	}

	if len(candidates) == 0 {
		return nil, allEdges, allEntityIDs, nil
	}

	uids := make([]string, 0, len(candidates))
	for uid := range candidates {
		uids = append(uids, uid)
	}
	artifactIDs, err := e.store.LatestArtifactIDs(ctx, uids)
	if err != nil {
		return nil, nil, nil, err
	}

	related := make([]Related, 0, len(candidates))
	for uid, c := range candidates {
		artifactID, ok := artifactIDs[uid]
		if !ok {
			continue // no latest revision; forgotten mid-query
		}
		related = append(related, Related{
			ArtifactID:     artifactID,
			ArtifactUID:    uid,
			Score:          e.cfg.GraphScore(c.hop, c.shared, c.edgeConfSum),
			HopDistance:    c.hop,
			SharedEntities: c.shared,
		})
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].Score != related[j].Score {
			return related[i].Score > related[j].Score
		}
		return related[i].ArtifactID < related[j].ArtifactID
	})
	if len(related) > budget {
		related = related[:budget]
	}
	return related, allEdges, allEntityIDs, nil
}

func uniqueEntityIDs(byUID map[string][]uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, ids := range byUID {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
