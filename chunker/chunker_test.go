package chunker

import (
	"strings"
	"testing"
)

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("creating chunker: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Threshold behaviour
// ---------------------------------------------------------------------------

func TestShouldChunkExactThreshold(t *testing.T) {
	c := newTestChunker(t, Config{SinglePieceMax: 50, Target: 40, Overlap: 8})

	// Build text of exactly 50 tokens by truncating a long text at a
	// token boundary.
	long := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)
	ids, _, err := c.enc.Encode(long)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if len(ids) < 51 {
		t.Fatal("test text too short")
	}
	text, err := c.enc.Decode(ids[:50])
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if n := c.CountTokens(text); n != 50 {
		t.Skipf("tokenizer did not round-trip to exactly 50 tokens (got %d)", n)
	}

	should, count := c.ShouldChunk(text)
	if should {
		t.Errorf("content at exactly the threshold should not be chunked (count=%d)", count)
	}

	should, _ = c.ShouldChunk(text + " extra")
	if !should {
		t.Error("content above the threshold should be chunked")
	}
}

func TestShouldChunkShortText(t *testing.T) {
	c := newTestChunker(t, Config{})
	should, n := c.ShouldChunk("Hello world")
	if should {
		t.Error("short text should not be chunked")
	}
	if n == 0 {
		t.Error("expected non-zero token count")
	}
}

// ---------------------------------------------------------------------------
// Window chunking
// ---------------------------------------------------------------------------

func TestChunkDenseIndices(t *testing.T) {
	c := newTestChunker(t, Config{SinglePieceMax: 30, Target: 20, Overlap: 5})
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40)

	chunks, err := c.Chunk(text, "art_0123456789ab")
	if err != nil {
		t.Fatalf("chunking: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d; indices must be dense from 0", i, ch.Index)
		}
		if ch.StartChar >= ch.EndChar {
			t.Errorf("chunk %d: start_char %d must be < end_char %d", i, ch.StartChar, ch.EndChar)
		}
		if ch.ArtifactID != "art_0123456789ab" {
			t.Errorf("chunk %d: wrong artifact id %q", i, ch.ArtifactID)
		}
		if ch.ContentHash == "" {
			t.Errorf("chunk %d: empty content hash", i)
		}
	}
}

func TestChunkOffsetsMatchContent(t *testing.T) {
	c := newTestChunker(t, Config{SinglePieceMax: 30, Target: 20, Overlap: 5})
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)

	chunks, err := c.Chunk(text, "art_0123456789ab")
	if err != nil {
		t.Fatalf("chunking: %v", err)
	}

	for _, ch := range chunks {
		if got := text[ch.StartChar:ch.EndChar]; got != ch.Content {
			t.Errorf("chunk %d: offsets [%d:%d] do not reproduce content", ch.Index, ch.StartChar, ch.EndChar)
		}
	}
}

func TestChunkOverlap(t *testing.T) {
	cfg := Config{SinglePieceMax: 30, Target: 20, Overlap: 5}
	c := newTestChunker(t, cfg)
	text := strings.Repeat("alpha beta gamma delta epsilon ", 30)

	chunks, err := c.Chunk(text, "art_0123456789ab")
	if err != nil {
		t.Fatalf("chunking: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Successive chunks must overlap by the configured token budget:
	// chunk i+1 starts Target-Overlap tokens after chunk i.
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.StartChar >= prev.EndChar {
			t.Errorf("chunks %d and %d do not overlap", i-1, i)
		}
	}
}

func TestChunkReconstruction(t *testing.T) {
	cfg := Config{SinglePieceMax: 30, Target: 20, Overlap: 5}
	c := newTestChunker(t, cfg)
	text := strings.Repeat("one two three four five six seven eight nine ten ", 25)

	chunks, err := c.Chunk(text, "art_0123456789ab")
	if err != nil {
		t.Fatalf("chunking: %v", err)
	}

	// Concatenating the non-overlapping prefix of each chunk (everything
	// before the next chunk's start) plus the final chunk yields the
	// original content.
	var b strings.Builder
	for i, ch := range chunks {
		if i == len(chunks)-1 {
			b.WriteString(ch.Content)
		} else {
			next := chunks[i+1]
			b.WriteString(text[ch.StartChar:next.StartChar])
		}
	}
	if b.String() != text {
		t.Error("reconstruction from non-overlapping prefixes did not reproduce the original content")
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := newTestChunker(t, Config{})
	chunks, err := c.Chunk("", "art_0123456789ab")
	if err != nil {
		t.Fatalf("chunking empty text: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for empty text, got %d", len(chunks))
	}
}

// ---------------------------------------------------------------------------
// Chunk id grammar
// ---------------------------------------------------------------------------

func TestChunkIDGrammar(t *testing.T) {
	id := ChunkID("art_0123456789ab", 7, "deadbeefcafe0123")
	want := "art_0123456789ab::chunk::007::deadbeef"
	if id != want {
		t.Errorf("ChunkID = %q, want %q", id, want)
	}
}

func TestArtifactIDOfChunk(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"art_0123456789ab::chunk::002::deadbeef", "art_0123456789ab"},
		{"art_0123456789ab", "art_0123456789ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ArtifactIDOfChunk(tt.in); got != tt.want {
			t.Errorf("ArtifactIDOfChunk(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Neighbour expansion
// ---------------------------------------------------------------------------

func TestExpandWithNeighbors(t *testing.T) {
	got := ExpandWithNeighbors("prev", "target", "next")
	want := "prev" + BoundaryMarker + "target" + BoundaryMarker + "next"
	if got != want {
		t.Errorf("ExpandWithNeighbors = %q, want %q", got, want)
	}
}

func TestExpandWithNeighborsEdges(t *testing.T) {
	if got := ExpandWithNeighbors("", "target", "next"); got != "target"+BoundaryMarker+"next" {
		t.Errorf("missing prev: got %q", got)
	}
	if got := ExpandWithNeighbors("prev", "target", ""); got != "prev"+BoundaryMarker+"target" {
		t.Errorf("missing next: got %q", got)
	}
	if got := ExpandWithNeighbors("", "target", ""); got != "target" {
		t.Errorf("no neighbours: got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func TestNewRejectsOverlapGEQTarget(t *testing.T) {
	if _, err := New(Config{SinglePieceMax: 100, Target: 50, Overlap: 50}); err == nil {
		t.Error("expected error for overlap >= target")
	}
}
