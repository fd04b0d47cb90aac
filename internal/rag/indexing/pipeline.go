// Package indexing turns uploaded files into searchable segments and keeps
// the keyword and vector indexes in step with document and segment state.
package indexing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/memory/embeddings"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/chunker"
	"github.com/haasonsaas/llmops/internal/rag/keywords"
	"github.com/haasonsaas/llmops/internal/rag/keywordtable"
	"github.com/haasonsaas/llmops/internal/rag/parser"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// FileLoader opens the raw bytes behind an upload file reference.
type FileLoader interface {
	Load(ctx context.Context, uploadFileID string) (*models.UploadFile, io.ReadCloser, error)
}

// Config contains pipeline tuning.
type Config struct {
	// BatchSize is the number of segments per vector store write. Default: 10
	BatchSize int `yaml:"batch_size" json:"batch_size,omitempty"`

	// Concurrency bounds vector store batches in flight. Default: 5
	Concurrency int `yaml:"concurrency" json:"concurrency,omitempty"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   10,
		Concurrency: 5,
	}
}

// Dependencies are the collaborators a Pipeline drives.
type Dependencies struct {
	Files         FileLoader
	Parsers       *parser.Registry
	Embedder      embeddings.Provider
	Extractor     *keywords.Extractor
	KeywordTables *keywordtable.Service
	Vectors       vectorstore.Store
	Locker        *cache.Locker
}

// Pipeline builds documents through parse, split, index and complete, and
// propagates enable toggles and deletions to the indexes.
type Pipeline struct {
	stores        storage.StoreSet
	files         FileLoader
	parsers       *parser.Registry
	counter       chunker.TokenCounter
	extractor     *keywords.Extractor
	keywordTables *keywordtable.Service
	vectors       vectorstore.Store
	locker        *cache.Locker
	config        *Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// NewPipeline creates an indexing pipeline.
func NewPipeline(stores storage.StoreSet, deps Dependencies, cfg *Config) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = keywords.New()
	}
	var counter chunker.TokenCounter = &chunker.SimpleTokenCounter{}
	if deps.Embedder != nil {
		counter = chunker.TokenCounterFunc(deps.Embedder.CountTokens)
	}
	return &Pipeline{
		stores:        stores,
		files:         deps.Files,
		parsers:       deps.Parsers,
		counter:       counter,
		extractor:     extractor,
		keywordTables: deps.KeywordTables,
		vectors:       deps.Vectors,
		locker:        deps.Locker,
		config:        cfg,
		logger:        slog.Default().With("component", "indexing"),
		now:           time.Now,
	}
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithMetrics sets the metrics sink.
func (p *Pipeline) WithMetrics(m *observability.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithTracer sets the tracer.
func (p *Pipeline) WithTracer(t *observability.Tracer) *Pipeline {
	p.tracer = t
	return p
}

// Build indexes the given documents one at a time. A failing document is
// marked as errored and the next one proceeds; Build itself only fails when
// the documents cannot be loaded or ctx ends.
func (p *Pipeline) Build(ctx context.Context, documentIDs []string) error {
	ctx, span := p.tracer.TraceIndexBuild(ctx, documentIDs)
	defer span.End()

	docs, err := p.stores.Documents.GetMany(ctx, documentIDs)
	if err != nil {
		p.tracer.RecordError(span, err)
		return fmt.Errorf("load documents: %w", err)
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.buildDocument(ctx, doc)
	}
	return nil
}

func (p *Pipeline) buildDocument(ctx context.Context, doc *models.Document) {
	ctx = observability.WithDocumentID(observability.WithDatasetID(ctx, doc.DatasetID), doc.ID)
	start := p.now()

	if err := p.runStages(ctx, doc); err != nil {
		p.logger.ErrorContext(ctx, "document build failed", "error", err)
		p.failDocument(ctx, doc, err)
		p.metrics.DocumentFinished(string(models.DocumentError))
		return
	}
	p.logger.InfoContext(ctx, "document built",
		"tokens", doc.TokenCount,
		"characters", doc.CharacterCount,
		"duration", p.now().Sub(start),
	)
	p.metrics.DocumentFinished(string(models.DocumentCompleted))
}

func (p *Pipeline) runStages(ctx context.Context, doc *models.Document) error {
	doc.Status = models.DocumentParsing
	doc.ProcessingStartedAt = p.stamp()
	doc.Error = ""
	doc.StoppedAt = nil
	if err := p.stores.Documents.Update(ctx, doc); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	text, err := p.parse(ctx, doc)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	segments, err := p.split(ctx, doc, text)
	if err != nil {
		return fmt.Errorf("split: %w", err)
	}
	if err := p.index(ctx, doc, segments); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := p.complete(ctx, doc, segments); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func (p *Pipeline) parse(ctx context.Context, doc *models.Document) (string, error) {
	if p.files == nil || p.parsers == nil {
		return "", errors.New("file loading is not configured")
	}
	file, rc, err := p.files.Load(ctx, doc.UploadFileID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	result, err := p.parsers.Parse(ctx, rc, file.MimeType, file.Extension)
	if err != nil {
		return "", err
	}

	doc.CharacterCount = utf8.RuneCountInString(result.Content)
	doc.Status = models.DocumentSplitting
	doc.ParsingCompletedAt = p.stamp()
	if err := p.stores.Documents.Update(ctx, doc); err != nil {
		return "", err
	}
	return result.Content, nil
}

func (p *Pipeline) split(ctx context.Context, doc *models.Document, text string) ([]*models.Segment, error) {
	rule, err := p.processRule(ctx, doc)
	if err != nil {
		return nil, err
	}
	splitter, err := chunker.NewRuleSplitter(rule, p.counter)
	if err != nil {
		return nil, err
	}
	result := splitter.Split(chunker.Clean(text, rule.Rule))
	if len(result.Oversized) > 0 {
		p.logger.WarnContext(ctx, "chunks exceed chunk size", "indexes", result.Oversized)
	}

	position, err := p.stores.Segments.MaxPosition(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	segments := make([]*models.Segment, 0, len(result.Chunks))
	total := 0
	for _, chunk := range result.Chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		position++
		tokens := p.counter.Count(chunk)
		total += tokens
		segments = append(segments, &models.Segment{
			ID:                  uuid.NewString(),
			AccountID:           doc.AccountID,
			DatasetID:           doc.DatasetID,
			DocumentID:          doc.ID,
			NodeID:              uuid.NewString(),
			Position:            position,
			Content:             chunk,
			CharacterCount:      utf8.RuneCountInString(chunk),
			TokenCount:          tokens,
			Hash:                contentHash(chunk),
			Status:              models.SegmentWaiting,
			ProcessingStartedAt: p.stamp(),
		})
	}
	if len(segments) > 0 {
		if err := p.stores.Segments.Create(ctx, segments...); err != nil {
			return nil, err
		}
	}

	doc.TokenCount = total
	doc.Status = models.DocumentIndexing
	doc.SplittingCompletedAt = p.stamp()
	if err := p.stores.Documents.Update(ctx, doc); err != nil {
		return nil, err
	}
	return segments, nil
}

func (p *Pipeline) processRule(ctx context.Context, doc *models.Document) (models.ProcessRule, error) {
	rule := models.DefaultProcessRule()
	if doc.ProcessRuleID != "" {
		stored, err := p.stores.ProcessRules.Get(ctx, doc.ProcessRuleID)
		if err != nil {
			return rule, fmt.Errorf("load process rule: %w", err)
		}
		rule = *stored
	}
	rule.Normalize()
	return rule, nil
}

func (p *Pipeline) index(ctx context.Context, doc *models.Document, segments []*models.Segment) error {
	table := make(map[string][]string, len(segments))
	for _, seg := range segments {
		seg.Keywords = p.extractor.Extract(seg.Content, keywords.DefaultTopK)
		if !seg.Status.CanTransition(models.SegmentIndexing) {
			continue
		}
		seg.Status = models.SegmentIndexing
		seg.IndexingCompletedAt = p.stamp()
		if err := p.stores.Segments.Update(ctx, seg); err != nil {
			return err
		}
		table[seg.ID] = seg.Keywords
	}

	if len(table) > 0 && p.keywordTables != nil {
		if err := p.keywordTables.AddKeywords(ctx, doc.DatasetID, table); err != nil {
			return err
		}
	}

	doc.IndexingCompletedAt = p.stamp()
	return p.stores.Documents.Update(ctx, doc)
}

func (p *Pipeline) complete(ctx context.Context, doc *models.Document, segments []*models.Segment) error {
	if p.vectors == nil {
		return errors.New("vector store is not configured")
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	g.SetLimit(p.config.Concurrency)
	for start := 0; start < len(segments); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(segments))
		batch := segments[start:end]
		g.Go(func() error {
			if ok := p.storeBatch(ctx, doc, batch); !ok {
				mu.Lock()
				for _, seg := range batch {
					failed = append(failed, seg.ID)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Errored segments are disabled and must not stay reachable lexically.
	if len(failed) > 0 && p.keywordTables != nil {
		if err := p.keywordTables.Remove(ctx, doc.DatasetID, failed); err != nil {
			return fmt.Errorf("drop failed segments from keyword table: %w", err)
		}
	}

	doc.Status = models.DocumentCompleted
	doc.CompletedAt = p.stamp()
	doc.Enabled = true
	doc.DisabledAt = nil
	return p.stores.Documents.Update(ctx, doc)
}

// storeBatch writes one batch of vectors and reports whether it succeeded.
// A failure is confined to the segments of this batch.
func (p *Pipeline) storeBatch(ctx context.Context, doc *models.Document, batch []*models.Segment) bool {
	records := make([]vectorstore.Record, len(batch))
	for i, seg := range batch {
		records[i] = segmentRecord(seg, true, true)
	}

	if err := p.vectors.Add(ctx, records); err != nil {
		p.logger.WarnContext(ctx, "vector batch failed", "segments", len(batch), "error", err)
		for _, seg := range batch {
			p.failSegment(ctx, seg, err)
		}
		p.metrics.SegmentsFinished(string(models.SegmentError), len(batch))
		return false
	}

	for _, seg := range batch {
		if !seg.Status.CanTransition(models.SegmentCompleted) {
			continue
		}
		seg.Status = models.SegmentCompleted
		seg.CompletedAt = p.stamp()
		seg.Enabled = true
		seg.DisabledAt = nil
		if err := p.stores.Segments.Update(ctx, seg); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark segment completed", "segment_id", seg.ID, "error", err)
		}
	}
	p.metrics.SegmentsFinished(string(models.SegmentCompleted), len(batch))
	return true
}

func (p *Pipeline) failSegment(ctx context.Context, seg *models.Segment, cause error) {
	seg.Status = models.SegmentError
	seg.Error = cause.Error()
	seg.Enabled = false
	seg.DisabledAt = p.stamp()
	seg.StoppedAt = p.stamp()
	if err := p.stores.Segments.Update(context.WithoutCancel(ctx), seg); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark segment errored", "segment_id", seg.ID, "error", err)
	}
}

func (p *Pipeline) failDocument(ctx context.Context, doc *models.Document, cause error) {
	doc.Status = models.DocumentError
	doc.Error = cause.Error()
	doc.StoppedAt = p.stamp()
	if err := p.stores.Documents.Update(context.WithoutCancel(ctx), doc); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark document errored", "error", err)
	}
}

// ToggleDocumentEnabled pushes the document's current Enabled flag to the
// vector and keyword indexes. The document's enable lock is always released.
func (p *Pipeline) ToggleDocumentEnabled(ctx context.Context, documentID string) error {
	key := cache.DocumentEnabledLockKey(documentID)
	defer func() {
		if p.locker == nil {
			return
		}
		if err := p.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			p.logger.WarnContext(ctx, "failed to release lock", "key", key, "error", err)
		}
	}()

	doc, err := p.stores.Documents.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	ctx = observability.WithDocumentID(observability.WithDatasetID(ctx, doc.DatasetID), doc.ID)

	if err := p.propagateDocumentEnabled(ctx, doc); err != nil {
		p.logger.ErrorContext(ctx, "document toggle failed, rolling back", "enabled", doc.Enabled, "error", err)
		doc.Enabled = !doc.Enabled
		if doc.Enabled {
			doc.DisabledAt = nil
		} else {
			doc.DisabledAt = p.stamp()
		}
		p.restoreDocumentEnabled(context.WithoutCancel(ctx), doc)
		if uerr := p.stores.Documents.Update(context.WithoutCancel(ctx), doc); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) propagateDocumentEnabled(ctx context.Context, doc *models.Document) error {
	segments, err := p.stores.Segments.ListByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}

	enabled := doc.Enabled
	var ids, failed []string
	for _, seg := range segments {
		if seg.Status != models.SegmentCompleted {
			continue
		}
		patch := vectorstore.MetadataPatch{DocumentEnabled: &enabled}
		if err := p.vectors.UpdateMetadata(ctx, seg.NodeID, patch); err != nil {
			p.logger.WarnContext(ctx, "vector metadata update failed", "segment_id", seg.ID, "error", err)
			p.failSegment(ctx, seg, err)
			failed = append(failed, seg.ID)
			continue
		}
		if seg.Enabled {
			ids = append(ids, seg.ID)
		}
	}

	if p.keywordTables == nil {
		return nil
	}
	if enabled {
		if len(ids) > 0 {
			if err := p.keywordTables.Add(ctx, doc.DatasetID, ids); err != nil {
				return err
			}
		}
		ids = nil
	}
	if remove := append(ids, failed...); len(remove) > 0 {
		return p.keywordTables.Remove(ctx, doc.DatasetID, remove)
	}
	return nil
}

// restoreDocumentEnabled resets vector metadata after a failed toggle.
func (p *Pipeline) restoreDocumentEnabled(ctx context.Context, doc *models.Document) {
	segments, err := p.stores.Segments.ListByDocument(ctx, doc.ID)
	if err != nil {
		p.logger.WarnContext(ctx, "list segments for rollback", "error", err)
		return
	}
	enabled := doc.Enabled
	for _, seg := range segments {
		if seg.Status != models.SegmentCompleted {
			continue
		}
		if err := p.vectors.UpdateMetadata(ctx, seg.NodeID, vectorstore.MetadataPatch{DocumentEnabled: &enabled}); err != nil {
			p.logger.WarnContext(ctx, "vector metadata rollback failed", "segment_id", seg.ID, "error", err)
		}
	}
}

// DeleteDocument removes the documents' vectors, keyword entries, segments
// and rows, in that order.
func (p *Pipeline) DeleteDocument(ctx context.Context, datasetID string, documentIDs ...string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	ctx = observability.WithDatasetID(ctx, datasetID)

	if err := p.vectors.Delete(ctx, vectorstore.DeleteFilter{DatasetID: datasetID, DocumentIDs: documentIDs}); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}

	var segmentIDs []string
	for _, id := range documentIDs {
		segments, err := p.stores.Segments.ListByDocument(ctx, id)
		if err != nil {
			return fmt.Errorf("list segments: %w", err)
		}
		for _, seg := range segments {
			segmentIDs = append(segmentIDs, seg.ID)
		}
	}
	if len(segmentIDs) > 0 && p.keywordTables != nil {
		if err := p.keywordTables.Remove(ctx, datasetID, segmentIDs); err != nil {
			return fmt.Errorf("remove keywords: %w", err)
		}
	}

	if err := p.stores.Segments.DeleteByDocument(ctx, documentIDs...); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if err := p.stores.Documents.Delete(ctx, documentIDs...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	p.logger.InfoContext(ctx, "documents deleted", "documents", len(documentIDs), "segments", len(segmentIDs))
	return nil
}

// DeleteDataset removes everything stored for a dataset.
func (p *Pipeline) DeleteDataset(ctx context.Context, datasetID string) error {
	ctx = observability.WithDatasetID(ctx, datasetID)

	if err := p.vectors.Delete(ctx, vectorstore.DeleteFilter{DatasetID: datasetID}); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if p.keywordTables != nil {
		if err := p.keywordTables.DeleteByDataset(ctx, datasetID); err != nil {
			return fmt.Errorf("delete keyword table: %w", err)
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"dataset queries", p.stores.DatasetQueries.DeleteByDataset},
		{"segments", p.stores.Segments.DeleteByDataset},
		{"documents", p.stores.Documents.DeleteByDataset},
		{"process rules", p.stores.ProcessRules.DeleteByDataset},
	}
	for _, step := range steps {
		if err := step.fn(ctx, datasetID); err != nil {
			return fmt.Errorf("delete %s: %w", step.name, err)
		}
	}
	if err := p.stores.Datasets.Delete(ctx, datasetID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete dataset: %w", err)
	}
	p.logger.InfoContext(ctx, "dataset deleted")
	return nil
}

func (p *Pipeline) stamp() *time.Time {
	t := p.now().UTC()
	return &t
}

func segmentRecord(seg *models.Segment, documentEnabled, segmentEnabled bool) vectorstore.Record {
	return vectorstore.Record{
		ID:      seg.NodeID,
		Content: seg.Content,
		Metadata: vectorstore.Metadata{
			AccountID:       seg.AccountID,
			DatasetID:       seg.DatasetID,
			DocumentID:      seg.DocumentID,
			SegmentID:       seg.ID,
			NodeID:          seg.NodeID,
			DocumentEnabled: documentEnabled,
			SegmentEnabled:  segmentEnabled,
		},
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
