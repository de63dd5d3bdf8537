package extract

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/engramdev/engram/apperr"
)

// NormalizeCategory normalizes a free-form category to capitalized singular:
// first rune upper-cased, trailing "s" stripped. All-caps categories
// (acronyms) and very short words are left alone.
func NormalizeCategory(category string) string {
	c := strings.TrimSpace(category)
	if c == "" {
		return ""
	}

	r, size := utf8.DecodeRuneInString(c)
	c = string(unicode.ToUpper(r)) + c[size:]

	if len(c) > 3 && strings.HasSuffix(c, "s") && c != strings.ToUpper(c) {
		c = c[:len(c)-1]
	}
	return c
}

// NormalizeEntityType maps an extracted type onto the closed entity-type set,
// defaulting to "other".
func NormalizeEntityType(t string) string {
	switch strings.TrimSpace(strings.ToLower(t)) {
	case EntityPerson, EntityOrg, EntityProject, EntityObject, EntityPlace:
		return strings.TrimSpace(strings.ToLower(t))
	case "organization", "organisation", "company", "team":
		return EntityOrg
	case "product", "initiative":
		return EntityProject
	case "document", "system", "artifact":
		return EntityObject
	case "location":
		return EntityPlace
	default:
		return EntityOther
	}
}

// NormalizeRole maps an extracted actor role onto the closed role set,
// defaulting to "other".
func NormalizeRole(role string) string {
	switch strings.TrimSpace(strings.ToLower(role)) {
	case RoleOwner, RoleContributor, RoleReviewer, RoleStakeholder:
		return strings.TrimSpace(strings.ToLower(role))
	default:
		return RoleOther
	}
}

// ValidateEvent checks one extracted event against the structural invariants.
// Invalid events are dropped by the worker, not retried.
func ValidateEvent(ev ExtractedEvent) error {
	if strings.TrimSpace(ev.Category) == "" {
		return fmt.Errorf("%w: event category is empty", apperr.ErrValidation)
	}
	if strings.TrimSpace(ev.Narrative) == "" {
		return fmt.Errorf("%w: event narrative is empty", apperr.ErrValidation)
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return fmt.Errorf("%w: event confidence %.3f outside [0,1]", apperr.ErrValidation, ev.Confidence)
	}
	if len(ev.Evidence) == 0 {
		return fmt.Errorf("%w: event has no evidence spans", apperr.ErrValidation)
	}
	for i, sp := range ev.Evidence {
		if sp.EndChar <= sp.StartChar {
			return fmt.Errorf("%w: evidence span %d has end %d <= start %d",
				apperr.ErrValidation, i, sp.EndChar, sp.StartChar)
		}
	}
	for i, a := range ev.Actors {
		if strings.TrimSpace(a.Ref) == "" {
			return fmt.Errorf("%w: actor %d has empty ref", apperr.ErrValidation, i)
		}
	}
	return nil
}

// QuoteInContent reports whether quote occurs in content, comparing with
// runs of whitespace collapsed so minor formatting drift in the model's
// quoting does not reject real evidence.
func QuoteInContent(quote, content string) bool {
	q := strings.Join(strings.Fields(quote), " ")
	if q == "" {
		return false
	}
	return strings.Contains(strings.Join(strings.Fields(content), " "), q)
}

// GlobalizeEvent shifts an event's chunk-local evidence offsets by the
// chunk's start offset within the revision content.
func GlobalizeEvent(ev ExtractedEvent, chunkStart int) ExtractedEvent {
	out := ev
	out.Evidence = make([]Span, len(ev.Evidence))
	for i, sp := range ev.Evidence {
		out.Evidence[i] = Span{
			StartChar: sp.StartChar + chunkStart,
			EndChar:   sp.EndChar + chunkStart,
			Quote:     sp.Quote,
		}
	}
	return out
}

// GlobalizeEntity shifts an entity's chunk-local mention offsets by the
// chunk's start offset within the revision content.
func GlobalizeEntity(ent ExtractedEntity, chunkStart int) ExtractedEntity {
	out := ent
	out.Mentions = make([]Span, len(ent.Mentions))
	for i, sp := range ent.Mentions {
		out.Mentions[i] = Span{
			StartChar: sp.StartChar + chunkStart,
			EndChar:   sp.EndChar + chunkStart,
			Quote:     sp.Quote,
		}
	}
	return out
}

// entityMergeKey identifies an entity across chunks.
func entityMergeKey(ent ExtractedEntity) string {
	name := strings.TrimSpace(strings.ToLower(ent.CanonicalSuggestion))
	if name == "" {
		name = strings.TrimSpace(strings.ToLower(ent.SurfaceForm))
	}
	return NormalizeEntityType(ent.Type) + "\x00" + name
}

// MergeEntities merges per-chunk entity extractions by normalized
// (canonical_suggestion, type): aliases are unioned, mentions concatenated,
// and the first non-empty context clue of each kind wins.
func MergeEntities(entities []ExtractedEntity) []ExtractedEntity {
	var order []string
	merged := make(map[string]*ExtractedEntity)
	aliases := make(map[string]map[string]bool)

	for _, ent := range entities {
		if strings.TrimSpace(ent.SurfaceForm) == "" && strings.TrimSpace(ent.CanonicalSuggestion) == "" {
			continue
		}
		key := entityMergeKey(ent)

		m, ok := merged[key]
		if !ok {
			cp := ent
			cp.Type = NormalizeEntityType(ent.Type)
			cp.AliasesInDoc = nil
			merged[key] = &cp
			aliases[key] = make(map[string]bool)
			order = append(order, key)
		} else {
			m.Mentions = append(m.Mentions, ent.Mentions...)
			if m.ContextClues.Role == "" {
				m.ContextClues.Role = ent.ContextClues.Role
			}
			if m.ContextClues.Organization == "" {
				m.ContextClues.Organization = ent.ContextClues.Organization
			}
			if m.ContextClues.Email == "" {
				m.ContextClues.Email = ent.ContextClues.Email
			}
		}

		for _, a := range append([]string{ent.SurfaceForm}, ent.AliasesInDoc...) {
			a = strings.TrimSpace(a)
			if a != "" {
				aliases[key][a] = true
			}
		}
	}

	out := make([]ExtractedEntity, 0, len(order))
	for _, key := range order {
		m := merged[key]
		for a := range aliases[key] {
			if a != m.SurfaceForm {
				m.AliasesInDoc = append(m.AliasesInDoc, a)
			}
		}
		out = append(out, *m)
	}
	return out
}

// MergeRelationships merges per-chunk relationship extractions by
// (source, target, relationship_type), keeping the highest confidence and
// preferring a non-empty evidence quote.
func MergeRelationships(rels []ExtractedRelationship) []ExtractedRelationship {
	var order []string
	merged := make(map[string]*ExtractedRelationship)

	for _, r := range rels {
		src := strings.TrimSpace(r.Source)
		tgt := strings.TrimSpace(r.Target)
		typ := strings.TrimSpace(strings.ToLower(r.RelationshipType))
		if src == "" || tgt == "" || typ == "" {
			continue
		}
		key := strings.ToLower(src) + "\x00" + strings.ToLower(tgt) + "\x00" + typ

		m, ok := merged[key]
		if !ok {
			cp := r
			cp.RelationshipType = typ
			merged[key] = &cp
			order = append(order, key)
			continue
		}
		if r.Confidence > m.Confidence {
			m.Confidence = r.Confidence
		}
		if m.EvidenceQuote == "" && r.EvidenceQuote != "" {
			m.EvidenceQuote = r.EvidenceQuote
		}
	}

	out := make([]ExtractedRelationship, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out
}
