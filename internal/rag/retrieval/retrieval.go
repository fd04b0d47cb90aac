// Package retrieval searches datasets by vector similarity, keyword overlap
// or a rank fusion of both.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/keywords"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// Strategy selects how candidates are found.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyFullText Strategy = "full_text"
	StrategyHybrid   Strategy = "hybrid"
)

// Fusion parameters for hybrid search.
const (
	SemanticWeight = 0.5
	FullTextWeight = 0.5
	RRFConstant    = 60
)

var (
	ErrNoDatasets      = errors.New("at least one dataset is required")
	ErrEmptyQuery      = errors.New("query is required")
	ErrInvalidK        = errors.New("k must be positive")
	ErrUnknownStrategy = errors.New("unknown retrieval strategy")
)

// ParseStrategy accepts the canonical names plus "lexical" for full text.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySemantic:
		return StrategySemantic, nil
	case StrategyFullText, "lexical":
		return StrategyFullText, nil
	case StrategyHybrid:
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// SearchRequest describes one retrieval call.
type SearchRequest struct {
	AccountID      string
	DatasetIDs     []string
	Query          string
	Strategy       Strategy
	K              int
	ScoreThreshold float64

	Source      models.RetrievalSource
	SourceAppID string
}

// Result is one retrieved segment.
type Result struct {
	SegmentID  string  `json:"segment_id"`
	DocumentID string  `json:"document_id"`
	DatasetID  string  `json:"dataset_id"`
	NodeID     string  `json:"node_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Retriever is the search surface used by tools and handlers.
type Retriever interface {
	Search(ctx context.Context, req SearchRequest) ([]Result, error)
}

// Config contains retrieval defaults.
type Config struct {
	// Strategy is used when a request leaves it empty. Default: semantic
	Strategy Strategy `yaml:"strategy" json:"strategy,omitempty"`

	// K is the default number of results. Default: 10
	K int `yaml:"k" json:"k,omitempty"`

	// ScoreThreshold is the default minimum semantic score. Default: 0.5
	ScoreThreshold float64 `yaml:"score" json:"score,omitempty"`
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() *Config {
	return &Config{
		Strategy:       StrategySemantic,
		K:              10,
		ScoreThreshold: 0.5,
	}
}

// Service implements Retriever over the relational, keyword and vector stores.
type Service struct {
	vectors   vectorstore.Store
	segments  storage.SegmentStore
	documents storage.DocumentStore
	tables    storage.KeywordTableStore
	queries   storage.DatasetQueryStore
	extractor *keywords.Extractor
	config    *Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

var _ Retriever = (*Service)(nil)

// NewService creates a retrieval service.
func NewService(stores storage.StoreSet, vectors vectorstore.Store, extractor *keywords.Extractor, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if extractor == nil {
		extractor = keywords.New()
	}
	return &Service{
		vectors:   vectors,
		segments:  stores.Segments,
		documents: stores.Documents,
		tables:    stores.KeywordTables,
		queries:   stores.DatasetQueries,
		extractor: extractor,
		config:    cfg,
		logger:    slog.Default().With("component", "retrieval"),
		now:       time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithMetrics sets the metrics sink.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// WithTracer sets the tracer.
func (s *Service) WithTracer(t *observability.Tracer) *Service {
	s.tracer = t
	return s
}

// Search runs the requested strategy, records one dataset query per
// dataset involved and bumps the hit counts of the returned segments.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.TraceRetrieval(ctx, string(req.Strategy), req.DatasetIDs)
	defer span.End()
	start := time.Now()

	results, err := s.search(ctx, req)
	if err == nil {
		err = s.record(ctx, req, results)
	}

	status := "success"
	if err != nil {
		status = "error"
		s.tracer.RecordError(span, err)
	}
	s.metrics.RecordRetrieval(string(req.Strategy), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) validate(req *SearchRequest) error {
	if len(req.DatasetIDs) == 0 {
		return ErrNoDatasets
	}
	if strings.TrimSpace(req.Query) == "" {
		return ErrEmptyQuery
	}
	if req.K <= 0 {
		return ErrInvalidK
	}
	if req.Strategy == "" {
		req.Strategy = s.config.Strategy
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return err
	}
	req.Strategy = strategy
	if req.Source == "" {
		req.Source = models.RetrievalSourceApp
	}
	return nil
}

func (s *Service) search(ctx context.Context, req SearchRequest) ([]Result, error) {
	switch req.Strategy {
	case StrategySemantic:
		return s.semantic(ctx, req)
	case StrategyFullText:
		return s.fullText(ctx, req)
	case StrategyHybrid:
		semantic, err := s.semantic(ctx, req)
		if err != nil {
			return nil, err
		}
		fullText, err := s.fullText(ctx, req)
		if err != nil {
			return nil, err
		}
		return Fuse(req.K, []float64{SemanticWeight, FullTextWeight}, semantic, fullText), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
}

func (s *Service) semantic(ctx context.Context, req SearchRequest) ([]Result, error) {
	hits, err := s.vectors.SimilaritySearch(ctx, req.Query, req.K, vectorstore.EnabledOnly(req.DatasetIDs...))
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < req.ScoreThreshold {
			continue
		}
		results = append(results, Result{
			SegmentID:  hit.Metadata.SegmentID,
			DocumentID: hit.Metadata.DocumentID,
			DatasetID:  hit.Metadata.DatasetID,
			NodeID:     hit.Metadata.NodeID,
			Content:    hit.Content,
			Score:      hit.Score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

// fullText ranks segments by how many query keywords map to them. Ties keep
// the order in which segments were first reached, walking datasets in request
// order and query keywords in extraction order.
func (s *Service) fullText(ctx context.Context, req SearchRequest) ([]Result, error) {
	queryKeywords := s.extractor.Extract(req.Query, keywords.DefaultTopK)
	if len(queryKeywords) == 0 {
		return nil, nil
	}

	type candidate struct {
		id    string
		count int
		first int
	}
	byID := make(map[string]*candidate)
	var ranked []*candidate
	for _, datasetID := range req.DatasetIDs {
		table, err := s.tables.Get(ctx, datasetID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load keyword table %s: %w", datasetID, err)
		}
		for _, kw := range queryKeywords {
			for _, id := range table.KeywordTable[kw] {
				if c, ok := byID[id]; ok {
					c.count++
					continue
				}
				c := &candidate{id: id, count: 1, first: len(ranked)}
				byID[id] = c
				ranked = append(ranked, c)
			}
		}
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})

	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
	}
	// Filter before cutting so stale ids never take a top-k slot.
	results, err := s.resolveEnabled(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

// resolveEnabled loads segments in the given order, keeping completed,
// enabled segments of enabled documents.
func (s *Service) resolveEnabled(ctx context.Context, ids []string) ([]Result, error) {
	segments, err := s.segments.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	segByID := make(map[string]*models.Segment, len(segments))
	docIDs := make([]string, 0, len(segments))
	seenDoc := make(map[string]bool)
	for _, seg := range segments {
		segByID[seg.ID] = seg
		if !seenDoc[seg.DocumentID] {
			seenDoc[seg.DocumentID] = true
			docIDs = append(docIDs, seg.DocumentID)
		}
	}
	docs, err := s.documents.GetMany(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	docEnabled := make(map[string]bool, len(docs))
	for _, doc := range docs {
		docEnabled[doc.ID] = doc.Enabled
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		seg, ok := segByID[id]
		if !ok || !seg.Enabled || seg.Status != models.SegmentCompleted || !docEnabled[seg.DocumentID] {
			continue
		}
		results = append(results, Result{
			SegmentID:  seg.ID,
			DocumentID: seg.DocumentID,
			DatasetID:  seg.DatasetID,
			NodeID:     seg.NodeID,
			Content:    seg.Content,
		})
	}
	return results, nil
}

// Fuse merges ranked lists with weighted reciprocal rank fusion. Each list
// adds weight/(rank+RRFConstant) to a segment, rank counting from 1.
// Results are unique by segment id, ordered by fused score with ties kept
// in first-seen order, and cut to k. A result keeps the first non-zero
// score it was seen with.
func Fuse(k int, weights []float64, lists ...[]Result) []Result {
	type fused struct {
		result Result
		score  float64
		first  int
	}
	byID := make(map[string]*fused)
	var order []*fused
	for li, list := range lists {
		weight := 1.0
		if li < len(weights) {
			weight = weights[li]
		}
		for rank, r := range list {
			f, ok := byID[r.SegmentID]
			if !ok {
				f = &fused{result: r, first: len(order)}
				byID[r.SegmentID] = f
				order = append(order, f)
			} else if f.result.Score == 0 {
				f.result.Score = r.Score
			}
			f.score += weight / float64(rank+1+RRFConstant)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].first < order[j].first
	})
	if k > 0 && len(order) > k {
		order = order[:k]
	}
	out := make([]Result, len(order))
	for i, f := range order {
		out[i] = f.result
	}
	return out
}

// record writes the dataset query log and bumps hit counts.
func (s *Service) record(ctx context.Context, req SearchRequest, results []Result) error {
	datasetIDs := make([]string, 0, len(req.DatasetIDs))
	seen := make(map[string]bool)
	for _, r := range results {
		if !seen[r.DatasetID] {
			seen[r.DatasetID] = true
			datasetIDs = append(datasetIDs, r.DatasetID)
		}
	}
	// Only datasets that contributed a result are logged.
	if len(datasetIDs) == 0 {
		return nil
	}

	now := s.now()
	queries := make([]*models.DatasetQuery, len(datasetIDs))
	for i, id := range datasetIDs {
		queries[i] = &models.DatasetQuery{
			ID:          uuid.NewString(),
			DatasetID:   id,
			Query:       req.Query,
			Source:      req.Source,
			SourceAppID: req.SourceAppID,
			CreatedBy:   req.AccountID,
			CreatedAt:   now,
		}
	}
	if err := s.queries.Create(ctx, queries...); err != nil {
		return fmt.Errorf("record dataset queries: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.SegmentID
	}
	if err := s.segments.IncrementHitCount(ctx, ids); err != nil {
		return fmt.Errorf("increment hit count: %w", err)
	}
	return nil
}

// HitTestOptions overrides retrieval defaults for a hit test.
type HitTestOptions struct {
	AccountID      string
	Strategy       Strategy
	K              int
	ScoreThreshold float64
}

// HitTest searches one dataset on behalf of the hit-testing console.
// Zero options fall back to the service defaults.
func (s *Service) HitTest(ctx context.Context, datasetID, query string, opts HitTestOptions) ([]Result, error) {
	if opts.K == 0 {
		opts.K = s.config.K
	}
	if opts.ScoreThreshold == 0 {
		opts.ScoreThreshold = s.config.ScoreThreshold
	}
	return s.Search(ctx, SearchRequest{
		AccountID:      opts.AccountID,
		DatasetIDs:     []string{datasetID},
		Query:          query,
		Strategy:       opts.Strategy,
		K:              opts.K,
		ScoreThreshold: opts.ScoreThreshold,
		Source:         models.RetrievalSourceHitTesting,
	})
}
