package knowledge_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/foreman/internal/knowledge"
)

func TestChunkTextWindows(t *testing.T) {
	words := make([]string, 1200)
	for i := range words {
		words[i] = fmt.Sprintf("t%d", i)
	}
	text := strings.Join(words, " ")

	chunks := knowledge.ChunkText(text, 500, 0)
	if len(chunks) != 3 {
		t.Fatalf("1200 tokens in 500-token windows: want 3 chunks, got %d", len(chunks))
	}
	if got := knowledge.EstimateTokens(chunks[0]); got != 500 {
		t.Fatalf("first chunk: want 500 tokens, got %d", got)
	}
	if got := knowledge.EstimateTokens(chunks[2]); got != 200 {
		t.Fatalf("final chunk: want 200 tokens, got %d", got)
	}
	if !strings.HasPrefix(chunks[1], "t500 ") {
		t.Fatalf("zero overlap should make disjoint windows, second chunk starts %q", chunks[1][:10])
	}
}

func TestChunkTextOverlap(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = fmt.Sprintf("t%d", i)
	}
	chunks := knowledge.ChunkText(strings.Join(words, " "), 50, 10)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	// Second window starts 10 tokens before the first one ended.
	if !strings.HasPrefix(chunks[1], "t40 ") {
		t.Fatalf("overlap window misplaced, second chunk starts %q", chunks[1][:10])
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := knowledge.ChunkText("   ", 500, 0); chunks != nil {
		t.Fatalf("whitespace-only text should produce no chunks, got %d", len(chunks))
	}
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := knowledge.NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the same input text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(ctx, "the same input text")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d: %f vs %f", i, a[i], b[i])
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Fatalf("embedding should be L2-normalized, squared norm %f", norm)
	}
}
