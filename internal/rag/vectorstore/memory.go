package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/haasonsaas/llmops/internal/memory/embeddings"
)

type memoryEntry struct {
	record Record
	vector []float32
}

// MemoryStore is a brute-force cosine index held in process memory.
type MemoryStore struct {
	embedder embeddings.Provider

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(embedder embeddings.Provider) *MemoryStore {
	return &MemoryStore{embedder: embedder, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	texts := make([]string, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record %d has no id", i)
		}
		texts[i] = r.Content
	}
	vectors, err := embeddings.EmbedAll(ctx, s.embedder, texts)
	if err != nil {
		return fmt.Errorf("embed records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range records {
		s.entries[r.ID] = memoryEntry{record: r, vector: vectors[i]}
	}
	return nil
}

func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	hits := make([]Hit, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.matches(e.record.Metadata) {
			continue
		}
		hits = append(hits, Hit{Record: e.record, Score: Cosine(qv, e.vector)})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if patch.DocumentEnabled != nil {
		e.record.Metadata.DocumentEnabled = *patch.DocumentEnabled
	}
	if patch.SegmentEnabled != nil {
		e.record.Metadata.SegmentEnabled = *patch.SegmentEnabled
	}
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, filter DeleteFilter) error {
	if filter.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if filter.matches(id, e.record.Metadata) {
			delete(s.entries, id)
		}
	}
	return nil
}

// Get returns a stored record.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.record, ok
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
