package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/llm"
)

// Extractor drives the LLM extraction calls for one revision.
type Extractor struct {
	chat llm.Provider
}

// New creates an Extractor over the given chat provider.
func New(chat llm.Provider) *Extractor {
	return &Extractor{chat: chat}
}

// ExtractChunk extracts events, entities, and relationships from one chunk.
// Returned offsets are local to content.
func (e *Extractor) ExtractChunk(ctx context.Context, content string) (*ChunkExtraction, error) {
	prompt := fmt.Sprintf(chunkExtractionPrompt, content)

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, classifyChatErr(err)
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk extraction: %v", apperr.ErrExtraction, err)
	}

	var result ChunkExtraction
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling chunk extraction: %v", apperr.ErrExtraction, err)
	}
	return &result, nil
}

// CanonicalizeEvents asks the LLM to merge near-duplicate events gathered
// from overlapping chunks. Evidence offsets must already be revision-global.
// On any failure the input is returned unchanged; a second LLM pass is an
// optimization, never a correctness requirement.
func (e *Extractor) CanonicalizeEvents(ctx context.Context, events []ExtractedEvent) []ExtractedEvent {
	if len(events) < 2 {
		return events
	}

	input, err := json.Marshal(events)
	if err != nil {
		return events
	}

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(eventCanonicalizationPrompt, string(input))},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("extract: canonicalization call failed, keeping raw events", "error", err)
		return events
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		slog.Warn("extract: canonicalization output unparseable, keeping raw events", "error", err)
		return events
	}

	var result struct {
		Events []ExtractedEvent `json:"events"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		slog.Warn("extract: canonicalization output unparseable, keeping raw events", "error", err)
		return events
	}
	if len(result.Events) == 0 || len(result.Events) > len(events) {
		// A merge can only shrink or keep the set; anything else means the
		// model rewrote it. Keep the raw events.
		return events
	}
	return result.Events
}

// classifyChatErr maps transport failures onto the stable taxonomy.
func classifyChatErr(err error) error {
	switch {
	case errors.Is(err, llm.ErrThrottled):
		return fmt.Errorf("%w: %v", apperr.ErrRateLimited, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", apperr.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", apperr.ErrExtraction, err)
	}
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON attempts to find a valid JSON object in the LLM response text.
// It handles common LLM quirks: markdown code blocks, text before/after JSON.
func extractJSON(raw string) (string, error) {
	// Strip markdown code blocks first.
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)

	// If it already starts with '{', try as-is.
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	// Find the first '{' and last '}' to extract the JSON object.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}

	return "", fmt.Errorf("no JSON object found in response")
}
