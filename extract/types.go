// Package extract turns chunk text into structured semantic events,
// entities, and relationships via LLM calls with strict JSON contracts.
package extract

// Entity type constants used during extraction and storage.
const (
	EntityPerson  = "person"
	EntityOrg     = "org"
	EntityProject = "project"
	EntityObject  = "object"
	EntityPlace   = "place"
	EntityOther   = "other"
)

// Actor role constants.
const (
	RoleOwner       = "owner"
	RoleContributor = "contributor"
	RoleReviewer    = "reviewer"
	RoleStakeholder = "stakeholder"
	RoleOther       = "other"
)

// Span is a character range within some content, with the quoted text.
type Span struct {
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
	Quote     string `json:"quote"`
}

// Subject describes what an event is about.
type Subject struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Actor is a participant in an event, referenced by surface form.
type Actor struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
}

// ExtractedEvent is what the LLM returns for a single semantic event.
// Offsets in Evidence are local to the chunk the event was extracted from
// until the worker globalizes them.
type ExtractedEvent struct {
	Category   string  `json:"category"`
	Narrative  string  `json:"narrative"`
	EventTime  string  `json:"event_time,omitempty"` // RFC 3339 or empty
	Subject    Subject `json:"subject"`
	Actors     []Actor `json:"actors"`
	Confidence float64 `json:"confidence"`
	Evidence   []Span  `json:"evidence"`
}

// ContextClues are hints the LLM gathered about an entity from the text.
type ContextClues struct {
	Role         string `json:"role,omitempty"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
}

// ExtractedEntity is what the LLM returns from entity extraction.
type ExtractedEntity struct {
	SurfaceForm         string       `json:"surface_form"`
	CanonicalSuggestion string       `json:"canonical_suggestion"`
	Type                string       `json:"type"`
	ContextClues        ContextClues `json:"context_clues"`
	AliasesInDoc        []string     `json:"aliases_in_doc"`
	Mentions            []Span       `json:"mentions"`
}

// ExtractedRelationship is an explicit relation between two entities.
type ExtractedRelationship struct {
	Source           string  `json:"source"`
	Target           string  `json:"target"`
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	EvidenceQuote    string  `json:"evidence_quote,omitempty"`
}

// ChunkExtraction holds the LLM's structured output for one chunk.
type ChunkExtraction struct {
	Events        []ExtractedEvent        `json:"events"`
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}
