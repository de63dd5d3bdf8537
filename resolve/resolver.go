// Package resolve links extracted entity mentions to canonical entity rows,
// deciding between merging into an existing entity and creating a new one.
package resolve

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/extract"
	"github.com/engramdev/engram/store"
)

// Score boosts layered on top of cosine similarity.
const (
	emailBoost   = 0.10
	roleOrgBoost = 0.05
)

// EntityStore is the slice of the relational store the resolver needs.
// Mention rows are not written here: they travel with the event commit so a
// retried extraction cannot leave residue behind.
type EntityStore interface {
	FindEntityCandidates(ctx context.Context, entityType string, names []string, email string) ([]store.Entity, error)
	CreateEntity(ctx context.Context, e *store.Entity, aliases []string) error
	AddAliases(ctx context.Context, entityID uuid.UUID, aliases []string) error
	UpdateContextEmbedding(ctx context.Context, entityID uuid.UUID, embedding []float32) error
	UpdateEntityClues(ctx context.Context, entityID uuid.UUID, role, organization, email string) error
}

// Embedder produces the context embedding for scoring.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Outcome of a resolution.
type Outcome string

const (
	// OutcomeMerged means the mention was attached to an existing entity.
	OutcomeMerged Outcome = "merged"
	// OutcomeNewReview means a new entity was created but a candidate
	// scored in the ambiguous band; a human should look.
	OutcomeNewReview Outcome = "new_needs_review"
	// OutcomeNew means a new entity was created with no serious candidate.
	OutcomeNew Outcome = "new"
)

// Resolution is the result of resolving one extracted entity.
type Resolution struct {
	EntityID     uuid.UUID `json:"entity_id"`
	Outcome      Outcome   `json:"outcome"`
	Score        float64   `json:"score,omitempty"`
	PossiblySame uuid.UUID `json:"possibly_same,omitempty"`
}

// Input carries one extracted entity plus its artifact context.
type Input struct {
	Entity      extract.ExtractedEntity
	ArtifactUID string
	RevisionID  int
	DocTitle    string
}

// Resolver decides entity identity using context-embedding similarity with
// exact-match boosts.
type Resolver struct {
	store           EntityStore
	embedder        Embedder
	mergeThreshold  float64
	reviewThreshold float64
}

// New creates a Resolver. Zero thresholds get the defaults 0.85 and 0.70.
func New(es EntityStore, embedder Embedder, mergeThreshold, reviewThreshold float64) *Resolver {
	if mergeThreshold <= 0 {
		mergeThreshold = 0.85
	}
	if reviewThreshold <= 0 {
		reviewThreshold = 0.70
	}
	return &Resolver{
		store:           es,
		embedder:        embedder,
		mergeThreshold:  mergeThreshold,
		reviewThreshold: reviewThreshold,
	}
}

// Resolve links one extracted entity to a canonical entity, creating it if
// needed. Mention rows are the caller's to commit, alongside the event set.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	ent := in.Entity
	entityType := extract.NormalizeEntityType(ent.Type)

	names := candidateNames(ent)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: entity has no usable name", apperr.ErrValidation)
	}

	candidates, err := r.store.FindEntityCandidates(ctx, entityType, names, ent.ContextClues.Email)
	if err != nil {
		return nil, err
	}

	ctxVec, err := r.embedder.EmbedOne(ctx, ContextString(in.DocTitle, ent))
	if err != nil {
		return nil, err
	}

	best, bestScore := pickBest(candidates, ctxVec, ent.ContextClues)

	switch {
	case best != nil && bestScore >= r.mergeThreshold:
		return r.merge(ctx, best, ent, ctxVec, bestScore)
	case best != nil && bestScore >= r.reviewThreshold:
		return r.create(ctx, in, ctxVec, true, best.EntityID, bestScore)
	default:
		return r.create(ctx, in, ctxVec, false, uuid.Nil, bestScore)
	}
}

func (r *Resolver) merge(ctx context.Context, cand *store.Entity, ent extract.ExtractedEntity, ctxVec []float32, score float64) (*Resolution, error) {
	aliases := append([]string{ent.SurfaceForm, ent.CanonicalSuggestion}, ent.AliasesInDoc...)
	if err := r.store.AddAliases(ctx, cand.EntityID, aliases); err != nil {
		return nil, err
	}

	if len(cand.ContextEmbedding) == len(ctxVec) && len(ctxVec) > 0 {
		avg := RunningAverage(cand.ContextEmbedding, ctxVec, cand.MentionCount)
		if err := r.store.UpdateContextEmbedding(ctx, cand.EntityID, avg); err != nil {
			return nil, err
		}
	} else if len(ctxVec) > 0 {
		if err := r.store.UpdateContextEmbedding(ctx, cand.EntityID, ctxVec); err != nil {
			return nil, err
		}
	}

	clues := ent.ContextClues
	if clues.Role != "" || clues.Organization != "" || clues.Email != "" {
		if err := r.store.UpdateEntityClues(ctx, cand.EntityID, clues.Role, clues.Organization, clues.Email); err != nil {
			return nil, err
		}
	}

	return &Resolution{EntityID: cand.EntityID, Outcome: OutcomeMerged, Score: score}, nil
}

func (r *Resolver) create(ctx context.Context, in Input, ctxVec []float32, needsReview bool, possiblySame uuid.UUID, score float64) (*Resolution, error) {
	ent := in.Entity
	name := strings.TrimSpace(ent.CanonicalSuggestion)
	if name == "" {
		name = strings.TrimSpace(ent.SurfaceForm)
	}

	row := &store.Entity{
		EntityID:             uuid.New(),
		EntityType:           extract.NormalizeEntityType(ent.Type),
		CanonicalName:        name,
		Role:                 ent.ContextClues.Role,
		Organization:         ent.ContextClues.Organization,
		Email:                ent.ContextClues.Email,
		ContextEmbedding:     ctxVec,
		NeedsReview:          needsReview,
		FirstSeenArtifactUID: in.ArtifactUID,
		FirstSeenRevisionID:  in.RevisionID,
	}
	aliases := append([]string{ent.SurfaceForm}, ent.AliasesInDoc...)
	if err := r.store.CreateEntity(ctx, row, aliases); err != nil {
		return nil, err
	}

	out := &Resolution{EntityID: row.EntityID, Outcome: OutcomeNew, Score: score}
	if needsReview {
		out.Outcome = OutcomeNewReview
		out.PossiblySame = possiblySame
	}
	return out, nil
}

// candidateNames gathers every name worth matching on.
func candidateNames(ent extract.ExtractedEntity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range append([]string{ent.SurfaceForm, ent.CanonicalSuggestion}, ent.AliasesInDoc...) {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if !seen[key] {
			seen[key] = true
			out = append(out, n)
		}
	}
	return out
}

// ContextString builds the text embedded for identity scoring.
func ContextString(docTitle string, ent extract.ExtractedEntity) string {
	parts := []string{ent.SurfaceForm}
	if ent.ContextClues.Role != "" {
		parts = append(parts, ent.ContextClues.Role)
	}
	if ent.ContextClues.Organization != "" {
		parts = append(parts, ent.ContextClues.Organization)
	}
	if docTitle != "" {
		parts = append(parts, docTitle)
	}
	return strings.Join(parts, " | ")
}

// pickBest scores all candidates and returns the winner. Ties prefer more
// mentions, then the older entity.
func pickBest(candidates []store.Entity, ctxVec []float32, clues extract.ContextClues) (*store.Entity, float64) {
	var best *store.Entity
	bestScore := -1.0

	for i := range candidates {
		cand := &candidates[i]
		score := ScoreCandidate(cand, ctxVec, clues)
		switch {
		case score > bestScore:
			best, bestScore = cand, score
		case score == bestScore && best != nil:
			if cand.MentionCount > best.MentionCount ||
				(cand.MentionCount == best.MentionCount && cand.CreatedAt.Before(best.CreatedAt)) {
				best = cand
			}
		}
	}
	return best, bestScore
}

// ScoreCandidate computes cosine similarity between context embeddings plus
// exact-match boosts, capped at 1.0.
func ScoreCandidate(cand *store.Entity, ctxVec []float32, clues extract.ContextClues) float64 {
	score := Cosine(ctxVec, cand.ContextEmbedding)

	if clues.Email != "" && strings.EqualFold(clues.Email, cand.Email) {
		score += emailBoost
	}
	if clues.Role != "" && clues.Organization != "" &&
		strings.EqualFold(clues.Role, cand.Role) &&
		strings.EqualFold(clues.Organization, cand.Organization) {
		score += roleOrgBoost
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RunningAverage folds a new observation into the stored embedding,
// weighting the stored side by how many mentions back it.
func RunningAverage(stored, observed []float32, mentionCount int) []float32 {
	if mentionCount < 1 {
		mentionCount = 1
	}
	n := float32(mentionCount)
	out := make([]float32, len(stored))
	for i := range stored {
		out[i] = (stored[i]*n + observed[i]) / (n + 1)
	}
	return out
}
