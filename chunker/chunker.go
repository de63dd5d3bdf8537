// Package chunker slices artifact text into token-window chunks with
// overlap. Chunk boundaries are fixed token offsets; character offsets are
// recovered by re-decoding the token prefix, so offsets always land on
// token boundaries and never split a multi-byte rune.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Config controls the chunking behaviour.
type Config struct {
	// SinglePieceMax is the token threshold above which text is chunked.
	SinglePieceMax int
	// Target is the token size of each chunk window.
	Target int
	// Overlap is the token overlap between consecutive chunks.
	Overlap int
}

// Chunk is one token-window slice of an artifact revision.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`
	ArtifactID  string `json:"artifact_id"`
	Index       int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}

// Chunker converts revision text into store-ready chunks.
type Chunker struct {
	cfg Config
	enc tokenizer.Codec
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the documented defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.SinglePieceMax == 0 {
		cfg.SinglePieceMax = 1200
	}
	if cfg.Target == 0 {
		cfg.Target = 900
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 100
	}
	if cfg.Overlap >= cfg.Target {
		return nil, fmt.Errorf("chunker: overlap (%d) must be smaller than target (%d)", cfg.Overlap, cfg.Target)
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("chunker: loading cl100k_base tokenizer: %w", err)
	}
	return &Chunker{cfg: cfg, enc: enc}, nil
}

// CountTokens returns the cl100k token count of text.
func (c *Chunker) CountTokens(text string) int {
	ids, _, err := c.enc.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// ShouldChunk reports whether text exceeds the single-piece threshold,
// along with its token count. Content at exactly the threshold is NOT
// chunked; one token more is.
func (c *Chunker) ShouldChunk(text string) (bool, int) {
	n := c.CountTokens(text)
	return n > c.cfg.SinglePieceMax, n
}

// Chunk slices text into a dense sequence of token windows: starting at
// token 0, emit Target tokens, advance by Target-Overlap, repeat until the
// text is exhausted. The final chunk may be shorter. Boundaries never look
// ahead: when a window lands inside a logical unit the earlier split wins.
func (c *Chunker) Chunk(text, artifactID string) ([]Chunk, error) {
	ids, _, err := c.enc.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("chunker: encoding text: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	stride := c.cfg.Target - c.cfg.Overlap

	var chunks []Chunk
	for start := 0; start < len(ids); start += stride {
		end := start + c.cfg.Target
		if end > len(ids) {
			end = len(ids)
		}

		content, err := c.enc.Decode(ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("chunker: decoding window [%d:%d]: %w", start, end, err)
		}
		// Character offset of the window = byte length of the decoded
		// token prefix (tokenization partitions the input, so decoding a
		// prefix of ids reproduces the corresponding text prefix).
		prefix, err := c.enc.Decode(ids[:start])
		if err != nil {
			return nil, fmt.Errorf("chunker: decoding prefix [:%d]: %w", start, err)
		}

		idx := len(chunks)
		hash := contentHash(content)
		chunks = append(chunks, Chunk{
			ChunkID:     ChunkID(artifactID, idx, hash),
			ArtifactID:  artifactID,
			Index:       idx,
			Content:     content,
			StartChar:   len(prefix),
			EndChar:     len(prefix) + len(content),
			TokenCount:  end - start,
			ContentHash: hash,
		})

		if end == len(ids) {
			break
		}
	}
	return chunks, nil
}

// ChunkID builds the chunk identifier grammar:
// {artifact_id}::chunk::{index:03d}::{hash8}.
func ChunkID(artifactID string, index int, contentHash string) string {
	return fmt.Sprintf("%s::chunk::%03d::%s", artifactID, index, contentHash[:8])
}

// ArtifactIDOfChunk extracts the artifact id prefix from a chunk id.
// Returns the input unchanged when it is not a chunk id.
func ArtifactIDOfChunk(id string) string {
	if i := strings.Index(id, "::"); i >= 0 {
		return id[:i]
	}
	return id
}

// BoundaryMarker separates neighbouring chunks in expanded context.
const BoundaryMarker = "\n\n[---]\n\n"

// ExpandWithNeighbors concatenates a target chunk with its immediate
// siblings, separated by explicit boundary markers. Either neighbour may be
// empty at the edges of the artifact.
func ExpandWithNeighbors(prev, target, next string) string {
	var b strings.Builder
	if prev != "" {
		b.WriteString(prev)
		b.WriteString(BoundaryMarker)
	}
	b.WriteString(target)
	if next != "" {
		b.WriteString(BoundaryMarker)
		b.WriteString(next)
	}
	return b.String()
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
