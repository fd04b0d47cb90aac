package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/pkg/models"
)

// NewMemoryStoreSet returns a StoreSet backed by process memory.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		Datasets:       NewMemoryDatasetStore(),
		UploadFiles:    NewMemoryUploadFileStore(),
		ProcessRules:   NewMemoryProcessRuleStore(),
		Documents:      NewMemoryDocumentStore(),
		Segments:       NewMemorySegmentStore(),
		KeywordTables:  NewMemoryKeywordTableStore(),
		DatasetQueries: NewMemoryDatasetQueryStore(),
	}
}

// MemoryDatasetStore provides an in-memory DatasetStore.
type MemoryDatasetStore struct {
	mu       sync.RWMutex
	datasets map[string]models.Dataset
}

// NewMemoryDatasetStore creates an in-memory dataset store.
func NewMemoryDatasetStore() *MemoryDatasetStore {
	return &MemoryDatasetStore{datasets: make(map[string]models.Dataset)}
}

func (s *MemoryDatasetStore) Create(ctx context.Context, dataset *models.Dataset) error {
	if dataset == nil {
		return fmt.Errorf("dataset is required")
	}
	if dataset.ID == "" {
		dataset.ID = uuid.NewString()
	}
	stampCreated(&dataset.CreatedAt, &dataset.UpdatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.datasets[dataset.ID]; exists {
		return ErrAlreadyExists
	}
	s.datasets[dataset.ID] = *dataset
	return nil
}

func (s *MemoryDatasetStore) Get(ctx context.Context, id string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dataset, ok := s.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &dataset, nil
}

func (s *MemoryDatasetStore) List(ctx context.Context, accountID string) ([]*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Dataset, 0, len(s.datasets))
	for _, dataset := range s.datasets {
		if accountID != "" && dataset.AccountID != accountID {
			continue
		}
		dataset := dataset
		out = append(out, &dataset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDatasetStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return ErrNotFound
	}
	delete(s.datasets, id)
	return nil
}

// MemoryUploadFileStore provides an in-memory UploadFileStore.
type MemoryUploadFileStore struct {
	mu    sync.RWMutex
	files map[string]models.UploadFile
}

// NewMemoryUploadFileStore creates an in-memory upload file store.
func NewMemoryUploadFileStore() *MemoryUploadFileStore {
	return &MemoryUploadFileStore{files: make(map[string]models.UploadFile)}
}

func (s *MemoryUploadFileStore) Create(ctx context.Context, file *models.UploadFile) error {
	if file == nil {
		return fmt.Errorf("upload file is required")
	}
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[file.ID]; exists {
		return ErrAlreadyExists
	}
	s.files[file.ID] = *file
	return nil
}

func (s *MemoryUploadFileStore) Get(ctx context.Context, id string) (*models.UploadFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &file, nil
}

func (s *MemoryUploadFileStore) GetMany(ctx context.Context, ids []string) ([]*models.UploadFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.UploadFile, 0, len(ids))
	for _, id := range ids {
		if file, ok := s.files[id]; ok {
			out = append(out, &file)
		}
	}
	return out, nil
}

// MemoryProcessRuleStore provides an in-memory ProcessRuleStore.
type MemoryProcessRuleStore struct {
	mu    sync.RWMutex
	rules map[string]models.ProcessRule
}

// NewMemoryProcessRuleStore creates an in-memory process rule store.
func NewMemoryProcessRuleStore() *MemoryProcessRuleStore {
	return &MemoryProcessRuleStore{rules: make(map[string]models.ProcessRule)}
}

func (s *MemoryProcessRuleStore) Create(ctx context.Context, rule *models.ProcessRule) error {
	if rule == nil {
		return fmt.Errorf("process rule is required")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return ErrAlreadyExists
	}
	s.rules[rule.ID] = cloneProcessRule(*rule)
	return nil
}

func (s *MemoryProcessRuleStore) Get(ctx context.Context, id string) (*models.ProcessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	rule = cloneProcessRule(rule)
	return &rule, nil
}

func (s *MemoryProcessRuleStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rule := range s.rules {
		if rule.DatasetID == datasetID {
			delete(s.rules, id)
		}
	}
	return nil
}

// MemoryDocumentStore provides an in-memory DocumentStore.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

// NewMemoryDocumentStore creates an in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]models.Document)}
}

func (s *MemoryDocumentStore) Create(ctx context.Context, docs ...*models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if doc == nil {
			return fmt.Errorf("document is required")
		}
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		if _, exists := s.docs[doc.ID]; exists {
			return ErrAlreadyExists
		}
	}
	for _, doc := range docs {
		stampCreated(&doc.CreatedAt, &doc.UpdatedAt)
		s.docs[doc.ID] = *doc
	}
	return nil
}

func (s *MemoryDocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (s *MemoryDocumentStore) GetMany(ctx context.Context, ids []string) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			out = append(out, &doc)
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; !exists {
		return ErrNotFound
	}
	doc.UpdatedAt = time.Now().UTC()
	s.docs[doc.ID] = *doc
	return nil
}

func (s *MemoryDocumentStore) ListByDataset(ctx context.Context, datasetID string) ([]*models.Document, error) {
	return s.list(func(d *models.Document) bool { return d.DatasetID == datasetID }), nil
}

func (s *MemoryDocumentStore) ListByBatch(ctx context.Context, datasetID, batch string) ([]*models.Document, error) {
	return s.list(func(d *models.Document) bool { return d.DatasetID == datasetID && d.Batch == batch }), nil
}

func (s *MemoryDocumentStore) list(match func(*models.Document) bool) []*models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Document
	for _, doc := range s.docs {
		doc := doc
		if match(&doc) {
			out = append(out, &doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *MemoryDocumentStore) MaxPosition(ctx context.Context, datasetID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, doc := range s.docs {
		if doc.DatasetID == datasetID && doc.Position > max {
			max = doc.Position
		}
	}
	return max, nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}

func (s *MemoryDocumentStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, doc := range s.docs {
		if doc.DatasetID == datasetID {
			delete(s.docs, id)
		}
	}
	return nil
}

// MemorySegmentStore provides an in-memory SegmentStore.
type MemorySegmentStore struct {
	mu       sync.RWMutex
	segments map[string]models.Segment
}

// NewMemorySegmentStore creates an in-memory segment store.
func NewMemorySegmentStore() *MemorySegmentStore {
	return &MemorySegmentStore{segments: make(map[string]models.Segment)}
}

func (s *MemorySegmentStore) Create(ctx context.Context, segments ...*models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		if seg == nil {
			return fmt.Errorf("segment is required")
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		if _, exists := s.segments[seg.ID]; exists {
			return ErrAlreadyExists
		}
	}
	for _, seg := range segments {
		stampCreated(&seg.CreatedAt, &seg.UpdatedAt)
		s.segments[seg.ID] = cloneSegment(*seg)
	}
	return nil
}

func (s *MemorySegmentStore) Get(ctx context.Context, id string) (*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	seg = cloneSegment(seg)
	return &seg, nil
}

func (s *MemorySegmentStore) GetMany(ctx context.Context, ids []string) ([]*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Segment, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if seg, ok := s.segments[id]; ok {
			seg = cloneSegment(seg)
			out = append(out, &seg)
		}
	}
	return out, nil
}

func (s *MemorySegmentStore) Update(ctx context.Context, segment *models.Segment) error {
	if segment == nil || segment.ID == "" {
		return fmt.Errorf("segment is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.segments[segment.ID]
	if !exists {
		return ErrNotFound
	}
	segment.UpdatedAt = time.Now().UTC()
	// Hit counts are owned by IncrementHitCount.
	segment.HitCount = current.HitCount
	s.segments[segment.ID] = cloneSegment(*segment)
	return nil
}

func (s *MemorySegmentStore) ListByDocument(ctx context.Context, documentID string) ([]*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Segment
	for _, seg := range s.segments {
		if seg.DocumentID != documentID {
			continue
		}
		seg = cloneSegment(seg)
		out = append(out, &seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemorySegmentStore) MaxPosition(ctx context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, seg := range s.segments {
		if seg.DocumentID == documentID && seg.Position > max {
			max = seg.Position
		}
	}
	return max, nil
}

func (s *MemorySegmentStore) Count(ctx context.Context, documentID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, completed := 0, 0
	for _, seg := range s.segments {
		if seg.DocumentID != documentID {
			continue
		}
		total++
		if seg.Status == models.SegmentCompleted {
			completed++
		}
	}
	return total, completed, nil
}

func (s *MemorySegmentStore) IncrementHitCount(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if seg, ok := s.segments[id]; ok {
			seg.HitCount++
			s.segments[id] = seg
		}
	}
	return nil
}

func (s *MemorySegmentStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.segments, id)
	}
	return nil
}

func (s *MemorySegmentStore) DeleteByDocument(ctx context.Context, documentIDs ...string) error {
	docs := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		docs[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seg := range s.segments {
		if docs[seg.DocumentID] {
			delete(s.segments, id)
		}
	}
	return nil
}

func (s *MemorySegmentStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seg := range s.segments {
		if seg.DatasetID == datasetID {
			delete(s.segments, id)
		}
	}
	return nil
}

// MemoryKeywordTableStore provides an in-memory KeywordTableStore.
type MemoryKeywordTableStore struct {
	mu     sync.RWMutex
	tables map[string]models.KeywordTable
}

// NewMemoryKeywordTableStore creates an in-memory keyword table store.
func NewMemoryKeywordTableStore() *MemoryKeywordTableStore {
	return &MemoryKeywordTableStore{tables: make(map[string]models.KeywordTable)}
}

func (s *MemoryKeywordTableStore) Get(ctx context.Context, datasetID string) (*models.KeywordTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.tables[datasetID]
	if !ok {
		return nil, ErrNotFound
	}
	table = cloneKeywordTable(table)
	return &table, nil
}

func (s *MemoryKeywordTableStore) Save(ctx context.Context, table *models.KeywordTable) error {
	if table == nil || table.DatasetID == "" {
		return fmt.Errorf("keyword table is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tables[table.DatasetID]; ok {
		table.ID = existing.ID
	} else if table.ID == "" {
		table.ID = uuid.NewString()
	}
	s.tables[table.DatasetID] = cloneKeywordTable(*table)
	return nil
}

func (s *MemoryKeywordTableStore) Delete(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, datasetID)
	return nil
}

// MemoryDatasetQueryStore provides an in-memory DatasetQueryStore.
type MemoryDatasetQueryStore struct {
	mu      sync.RWMutex
	queries []models.DatasetQuery
}

// NewMemoryDatasetQueryStore creates an in-memory dataset query store.
func NewMemoryDatasetQueryStore() *MemoryDatasetQueryStore {
	return &MemoryDatasetQueryStore{}
}

func (s *MemoryDatasetQueryStore) Create(ctx context.Context, queries ...*models.DatasetQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range queries {
		if q == nil {
			continue
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = time.Now().UTC()
		}
		s.queries = append(s.queries, *q)
	}
	return nil
}

// ListByDataset returns the most recent queries first.
func (s *MemoryDatasetQueryStore) ListByDataset(ctx context.Context, datasetID string, limit int) ([]*models.DatasetQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DatasetQuery
	for i := len(s.queries) - 1; i >= 0; i-- {
		q := s.queries[i]
		if q.DatasetID != datasetID {
			continue
		}
		out = append(out, &q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDatasetQueryStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queries[:0]
	for _, q := range s.queries {
		if q.DatasetID != datasetID {
			kept = append(kept, q)
		}
	}
	s.queries = kept
	return nil
}

func stampCreated(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

func cloneSegment(seg models.Segment) models.Segment {
	if seg.Keywords != nil {
		seg.Keywords = append([]string(nil), seg.Keywords...)
	}
	return seg
}

func cloneProcessRule(rule models.ProcessRule) models.ProcessRule {
	rule.Rule.PreProcessRules = append([]models.PreProcessRule(nil), rule.Rule.PreProcessRules...)
	rule.Rule.Segment.Separators = append([]string(nil), rule.Rule.Segment.Separators...)
	return rule
}

func cloneKeywordTable(table models.KeywordTable) models.KeywordTable {
	out := make(map[string][]string, len(table.KeywordTable))
	for kw, ids := range table.KeywordTable {
		out[kw] = append([]string(nil), ids...)
	}
	table.KeywordTable = out
	return table
}
