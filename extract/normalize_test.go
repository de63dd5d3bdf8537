package extract

import (
	"errors"
	"testing"

	"github.com/engramdev/engram/apperr"
)

// ---------------------------------------------------------------------------
// Category normalization
// ---------------------------------------------------------------------------

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"decision", "Decision"},
		{"decisions", "Decision"},
		{"Commitments", "Commitment"},
		{"risk", "Risk"},
		{"  deadline  ", "Deadline"},
		{"OKRS", "OKRS"}, // all-caps left alone
		{"bus", "Bus"},   // too short to singularize
		{"s", "S"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeCategory(tt.in); got != tt.want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeEntityType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"person", "person"},
		{"organization", "org"},
		{"Company", "org"},
		{"product", "project"},
		{"location", "place"},
		{"widget", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := NormalizeEntityType(tt.in); got != tt.want {
			t.Errorf("NormalizeEntityType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRole(t *testing.T) {
	if got := NormalizeRole("Owner"); got != RoleOwner {
		t.Errorf("NormalizeRole(Owner) = %q", got)
	}
	if got := NormalizeRole("author"); got != RoleOther {
		t.Errorf("NormalizeRole(author) = %q, want other", got)
	}
}

// ---------------------------------------------------------------------------
// Event validation
// ---------------------------------------------------------------------------

func validEvent() ExtractedEvent {
	return ExtractedEvent{
		Category:   "Decision",
		Narrative:  "The team decided to ship.",
		Confidence: 0.9,
		Evidence:   []Span{{StartChar: 0, EndChar: 10, Quote: "decided to"}},
	}
}

func TestValidateEvent(t *testing.T) {
	if err := ValidateEvent(validEvent()); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ExtractedEvent)
	}{
		{"empty category", func(e *ExtractedEvent) { e.Category = " " }},
		{"empty narrative", func(e *ExtractedEvent) { e.Narrative = "" }},
		{"confidence above 1", func(e *ExtractedEvent) { e.Confidence = 1.2 }},
		{"confidence below 0", func(e *ExtractedEvent) { e.Confidence = -0.1 }},
		{"no evidence", func(e *ExtractedEvent) { e.Evidence = nil }},
		{"inverted span", func(e *ExtractedEvent) { e.Evidence[0].EndChar = 0 }},
		{"empty actor ref", func(e *ExtractedEvent) { e.Actors = []Actor{{Ref: ""}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ValidateEvent(ev)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation sentinel, got %v", err)
			}
		})
	}
}

func TestQuoteInContent(t *testing.T) {
	cases := []struct {
		name    string
		quote   string
		content string
		want    bool
	}{
		{"exact substring", "ship Atlas", "Priya decided to ship Atlas.", true},
		{"whitespace drift", "ship\n  Atlas", "Priya decided to ship Atlas.", true},
		{"drift in content", "ship Atlas", "Priya decided to ship\tAtlas.", true},
		{"absent", "cancel Atlas", "Priya decided to ship Atlas.", false},
		{"empty quote", "", "Priya decided to ship Atlas.", false},
		{"whitespace-only quote", " \n\t ", "anything", false},
		{"empty content", "ship Atlas", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := QuoteInContent(tc.quote, tc.content); got != tc.want {
				t.Errorf("QuoteInContent(%q, %q) = %v, want %v", tc.quote, tc.content, got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Offset globalization
// ---------------------------------------------------------------------------

func TestGlobalizeEvent(t *testing.T) {
	ev := validEvent()
	out := GlobalizeEvent(ev, 1000)
	if out.Evidence[0].StartChar != 1000 || out.Evidence[0].EndChar != 1010 {
		t.Errorf("globalized span = [%d,%d], want [1000,1010]",
			out.Evidence[0].StartChar, out.Evidence[0].EndChar)
	}
	// Input must not be mutated.
	if ev.Evidence[0].StartChar != 0 {
		t.Error("GlobalizeEvent mutated its input")
	}
}

func TestGlobalizeEntity(t *testing.T) {
	ent := ExtractedEntity{
		SurfaceForm: "Priya",
		Mentions:    []Span{{StartChar: 5, EndChar: 10, Quote: "Priya"}},
	}
	out := GlobalizeEntity(ent, 200)
	if out.Mentions[0].StartChar != 205 || out.Mentions[0].EndChar != 210 {
		t.Errorf("globalized mention = [%d,%d], want [205,210]",
			out.Mentions[0].StartChar, out.Mentions[0].EndChar)
	}
}

// ---------------------------------------------------------------------------
// Cross-chunk merging
// ---------------------------------------------------------------------------

func TestMergeEntities(t *testing.T) {
	in := []ExtractedEntity{
		{
			SurfaceForm:         "Priya Sharma",
			CanonicalSuggestion: "Priya Sharma",
			Type:                "person",
			ContextClues:        ContextClues{Organization: "Acme"},
			Mentions:            []Span{{StartChar: 0, EndChar: 12}},
		},
		{
			SurfaceForm:         "Priya",
			CanonicalSuggestion: "priya sharma",
			Type:                "person",
			ContextClues:        ContextClues{Email: "priya@acme.com"},
			AliasesInDoc:        []string{"P. Sharma"},
			Mentions:            []Span{{StartChar: 900, EndChar: 905}},
		},
		{
			SurfaceForm:         "Atlas",
			CanonicalSuggestion: "Atlas",
			Type:                "project",
		},
	}

	out := MergeEntities(in)
	if len(out) != 2 {
		t.Fatalf("got %d merged entities, want 2", len(out))
	}

	priya := out[0]
	if priya.SurfaceForm != "Priya Sharma" {
		t.Errorf("first occurrence should win the surface form, got %q", priya.SurfaceForm)
	}
	if priya.ContextClues.Organization != "Acme" || priya.ContextClues.Email != "priya@acme.com" {
		t.Errorf("context clues not unioned: %+v", priya.ContextClues)
	}
	if len(priya.Mentions) != 2 {
		t.Errorf("got %d mentions, want 2", len(priya.Mentions))
	}

	gotAliases := make(map[string]bool)
	for _, a := range priya.AliasesInDoc {
		gotAliases[a] = true
	}
	if !gotAliases["Priya"] || !gotAliases["P. Sharma"] {
		t.Errorf("aliases not unioned: %v", priya.AliasesInDoc)
	}
	if gotAliases["Priya Sharma"] {
		t.Error("surface form must not appear among its own aliases")
	}
}

func TestMergeEntitiesTypeSeparates(t *testing.T) {
	in := []ExtractedEntity{
		{SurfaceForm: "Atlas", CanonicalSuggestion: "Atlas", Type: "project"},
		{SurfaceForm: "Atlas", CanonicalSuggestion: "Atlas", Type: "person"},
	}
	if out := MergeEntities(in); len(out) != 2 {
		t.Errorf("entities of different types must not merge, got %d", len(out))
	}
}

func TestMergeRelationships(t *testing.T) {
	in := []ExtractedRelationship{
		{Source: "Priya", Target: "Atlas", RelationshipType: "works_on", Confidence: 0.6},
		{Source: "priya", Target: "atlas", RelationshipType: "Works_On", Confidence: 0.9, EvidenceQuote: "Priya leads Atlas"},
		{Source: "Marcus", Target: "Atlas", RelationshipType: "works_on", Confidence: 0.7},
		{Source: "", Target: "Atlas", RelationshipType: "works_on", Confidence: 0.7},
	}

	out := MergeRelationships(in)
	if len(out) != 2 {
		t.Fatalf("got %d merged relationships, want 2", len(out))
	}
	if out[0].Confidence != 0.9 {
		t.Errorf("merged confidence = %.2f, want max 0.9", out[0].Confidence)
	}
	if out[0].EvidenceQuote != "Priya leads Atlas" {
		t.Errorf("non-empty evidence quote must win, got %q", out[0].EvidenceQuote)
	}
	if out[0].RelationshipType != "works_on" {
		t.Errorf("relationship type not normalized: %q", out[0].RelationshipType)
	}
}
