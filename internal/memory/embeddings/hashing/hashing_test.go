package hashing

import (
	"context"
	"testing"

	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
)

func TestProvider_Deterministic(t *testing.T) {
	p := New(Config{Dimension: 64})
	a, _ := p.Embed(context.Background(), "Agents call tools")
	b, _ := p.Embed(context.Background(), "agents CALL tools!")
	if got := vectorstore.Cosine(a, b); got < 0.999 {
		t.Fatalf("cosine of equivalent texts = %f", got)
	}
}

func TestProvider_SharedTokensScoreHigher(t *testing.T) {
	p := New(Config{})
	q, _ := p.Embed(context.Background(), "vector search")
	near, _ := p.Embed(context.Background(), "vector search with cosine distance")
	far, _ := p.Embed(context.Background(), "banana bread recipe")
	if vectorstore.Cosine(q, near) <= vectorstore.Cosine(q, far) {
		t.Fatal("overlapping text did not score higher")
	}
}
