package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/llmops/internal/memory/embeddings/hashing"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(hashing.New(hashing.Config{}))
	records := []Record{
		{ID: "n1", Content: "vector search engines", Metadata: Metadata{DatasetID: "ds-1", DocumentID: "d1", SegmentID: "s1", NodeID: "n1", DocumentEnabled: true, SegmentEnabled: true}},
		{ID: "n2", Content: "vector databases store embeddings", Metadata: Metadata{DatasetID: "ds-1", DocumentID: "d1", SegmentID: "s2", NodeID: "n2", DocumentEnabled: true, SegmentEnabled: false}},
		{ID: "n3", Content: "vector search in another dataset", Metadata: Metadata{DatasetID: "ds-2", DocumentID: "d2", SegmentID: "s3", NodeID: "n3", DocumentEnabled: true, SegmentEnabled: true}},
		{ID: "n4", Content: "cooking pasta", Metadata: Metadata{DatasetID: "ds-1", DocumentID: "d3", SegmentID: "s4", NodeID: "n4", DocumentEnabled: true, SegmentEnabled: true}},
	}
	if err := s.Add(context.Background(), records); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return s
}

func TestMemoryStore_SimilaritySearchFilters(t *testing.T) {
	s := seedStore(t)

	hits, err := s.SimilaritySearch(context.Background(), "vector search", 10, EnabledOnly("ds-1"))
	if err != nil {
		t.Fatalf("SimilaritySearch() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v, want n1 and n4", hits)
	}
	if hits[0].ID != "n1" {
		t.Fatalf("top hit = %s, want n1", hits[0].ID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("hits not sorted by score: %+v", hits)
		}
	}
}

func TestMemoryStore_SearchTruncatesToK(t *testing.T) {
	s := seedStore(t)
	hits, _ := s.SimilaritySearch(context.Background(), "vector", 1, Filter{})
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
}

func TestMemoryStore_UpdateMetadata(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	disabled := false

	if err := s.UpdateMetadata(ctx, "n1", MetadataPatch{DocumentEnabled: &disabled}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	hits, _ := s.SimilaritySearch(ctx, "vector search", 10, EnabledOnly("ds-1"))
	for _, h := range hits {
		if h.ID == "n1" {
			t.Fatal("disabled record still searchable")
		}
	}
	if err := s.UpdateMetadata(ctx, "missing", MetadataPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateMetadata(missing) error = %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	if err := s.Delete(ctx, DeleteFilter{}); err != nil || s.Len() != 4 {
		t.Fatalf("empty filter deleted records: len=%d err=%v", s.Len(), err)
	}
	if err := s.Delete(ctx, DeleteFilter{DocumentIDs: []string{"d1"}}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if err := s.Delete(ctx, DeleteFilter{DatasetID: "ds-2"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get("n3"); ok {
		t.Fatal("dataset delete left n3")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got != 1 {
		t.Errorf("Cosine(same) = %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("Cosine(orthogonal) = %f", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("Cosine(mismatched) = %f", got)
	}
}
