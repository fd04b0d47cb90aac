package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/rag/keywords"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// MaxSegmentTokens bounds the content of a manually written segment.
const MaxSegmentTokens = 1000

// ErrInvalidSegment is returned for empty or oversized segment content.
var ErrInvalidSegment = errors.New("invalid segment")

// SegmentService edits the segments of completed documents and keeps the
// keyword and vector indexes in step. Unlike document toggles, its index
// updates run synchronously.
type SegmentService struct {
	stores   storage.StoreSet
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewSegmentService creates a segment service sharing the pipeline's
// indexes, token counter and keyword extractor.
func NewSegmentService(stores storage.StoreSet, pipeline *Pipeline) *SegmentService {
	return &SegmentService{
		stores:   stores,
		pipeline: pipeline,
		logger:   slog.Default().With("component", "segments"),
	}
}

// WithLogger sets the logger.
func (s *SegmentService) WithLogger(logger *slog.Logger) *SegmentService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// SegmentInput carries caller-supplied segment content.
type SegmentInput struct {
	Content string
	// Keywords are extracted from Content when empty.
	Keywords []string
}

// ListSegments returns a document's segments by position.
func (s *SegmentService) ListSegments(ctx context.Context, accountID, datasetID, documentID string) ([]*models.Segment, error) {
	if _, err := s.document(ctx, accountID, datasetID, documentID); err != nil {
		return nil, err
	}
	return s.stores.Segments.ListByDocument(ctx, documentID)
}

// CreateSegment appends a segment to a completed document and indexes it.
func (s *SegmentService) CreateSegment(ctx context.Context, accountID, datasetID, documentID string, in SegmentInput) (*models.Segment, error) {
	tokens, err := s.validate(in.Content)
	if err != nil {
		return nil, err
	}
	doc, err := s.document(ctx, accountID, datasetID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentCompleted {
		return nil, fmt.Errorf("%w: document is %s", ErrInvalidState, doc.Status)
	}

	position, err := s.stores.Segments.MaxPosition(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	now := s.pipeline.stamp()
	seg := &models.Segment{
		ID:                  uuid.NewString(),
		AccountID:           doc.AccountID,
		DatasetID:           doc.DatasetID,
		DocumentID:          doc.ID,
		NodeID:              uuid.NewString(),
		Position:            position + 1,
		Content:             in.Content,
		CharacterCount:      utf8.RuneCountInString(in.Content),
		TokenCount:          tokens,
		Keywords:            s.keywords(in),
		Hash:                contentHash(in.Content),
		Enabled:             true,
		Status:              models.SegmentCompleted,
		ProcessingStartedAt: now,
		IndexingCompletedAt: now,
		CompletedAt:         now,
	}
	if err := s.stores.Segments.Create(ctx, seg); err != nil {
		return nil, err
	}

	if err := s.pipeline.vectors.Add(ctx, []vectorstore.Record{segmentRecord(seg, doc.Enabled, true)}); err != nil {
		s.pipeline.failSegment(ctx, seg, err)
		return nil, fmt.Errorf("index segment: %w", err)
	}

	doc.CharacterCount += seg.CharacterCount
	doc.TokenCount += seg.TokenCount
	if err := s.stores.Documents.Update(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.pipeline.keywordTables.AddKeywords(ctx, doc.DatasetID, map[string][]string{seg.ID: seg.Keywords}); err != nil {
		return nil, fmt.Errorf("update keyword table: %w", err)
	}
	return seg, nil
}

// UpdateSegment replaces a segment's content or keywords. Changed content is
// re-embedded under the same node id.
func (s *SegmentService) UpdateSegment(ctx context.Context, accountID, datasetID, documentID, segmentID string, in SegmentInput) (*models.Segment, error) {
	tokens, err := s.validate(in.Content)
	if err != nil {
		return nil, err
	}
	doc, seg, err := s.segment(ctx, accountID, datasetID, documentID, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Status != models.SegmentCompleted {
		return nil, fmt.Errorf("%w: segment is %s", ErrInvalidState, seg.Status)
	}

	lock, err := s.pipeline.locker.TryLock(ctx, cache.SegmentEnabledLockKey(seg.ID), cache.LockExpireTime)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lock)

	seg.Keywords = s.keywords(in)
	if hash := contentHash(in.Content); hash != seg.Hash {
		doc.CharacterCount += utf8.RuneCountInString(in.Content) - seg.CharacterCount
		doc.TokenCount += tokens - seg.TokenCount
		seg.Content = in.Content
		seg.Hash = hash
		seg.CharacterCount = utf8.RuneCountInString(in.Content)
		seg.TokenCount = tokens
		if err := s.pipeline.vectors.Add(ctx, []vectorstore.Record{segmentRecord(seg, doc.Enabled, seg.Enabled)}); err != nil {
			return nil, fmt.Errorf("index segment: %w", err)
		}
		if err := s.stores.Documents.Update(ctx, doc); err != nil {
			return nil, err
		}
	}
	if err := s.stores.Segments.Update(ctx, seg); err != nil {
		return nil, err
	}

	if err := s.pipeline.keywordTables.Remove(ctx, seg.DatasetID, []string{seg.ID}); err != nil {
		return nil, fmt.Errorf("update keyword table: %w", err)
	}
	if seg.Enabled {
		if err := s.pipeline.keywordTables.AddKeywords(ctx, seg.DatasetID, map[string][]string{seg.ID: seg.Keywords}); err != nil {
			return nil, fmt.Errorf("update keyword table: %w", err)
		}
	}
	return seg, nil
}

// UpdateSegmentEnabled toggles a completed segment's visibility. It fails
// fast with cache.ErrLockBusy while another change to the segment runs, and
// restores the previous state if the indexes cannot be updated.
func (s *SegmentService) UpdateSegmentEnabled(ctx context.Context, accountID, datasetID, documentID, segmentID string, enabled bool) (*models.Segment, error) {
	_, seg, err := s.segment(ctx, accountID, datasetID, documentID, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Status != models.SegmentCompleted {
		return nil, fmt.Errorf("%w: segment is %s", ErrInvalidState, seg.Status)
	}
	if seg.Enabled == enabled {
		return nil, fmt.Errorf("%w: segment enabled is already %t", ErrInvalidState, enabled)
	}

	lock, err := s.pipeline.locker.TryLock(ctx, cache.SegmentEnabledLockKey(seg.ID), cache.LockExpireTime)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lock)

	prevDisabledAt := seg.DisabledAt
	seg.Enabled = enabled
	if enabled {
		seg.DisabledAt = nil
	} else {
		seg.DisabledAt = s.pipeline.stamp()
	}
	if err := s.stores.Segments.Update(ctx, seg); err != nil {
		return nil, err
	}

	if err := s.propagateSegmentEnabled(ctx, seg); err != nil {
		s.logger.ErrorContext(ctx, "segment toggle failed, rolling back", "segment_id", seg.ID, "error", err)
		seg.Enabled = !enabled
		seg.DisabledAt = prevDisabledAt
		previous := seg.Enabled
		patch := vectorstore.MetadataPatch{SegmentEnabled: &previous}
		if rerr := s.pipeline.vectors.UpdateMetadata(context.WithoutCancel(ctx), seg.NodeID, patch); rerr != nil {
			s.logger.WarnContext(ctx, "vector metadata rollback failed", "segment_id", seg.ID, "error", rerr)
		}
		if uerr := s.stores.Segments.Update(context.WithoutCancel(ctx), seg); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	}
	return seg, nil
}

func (s *SegmentService) propagateSegmentEnabled(ctx context.Context, seg *models.Segment) error {
	enabled := seg.Enabled
	if err := s.pipeline.vectors.UpdateMetadata(ctx, seg.NodeID, vectorstore.MetadataPatch{SegmentEnabled: &enabled}); err != nil {
		return fmt.Errorf("update vector metadata: %w", err)
	}
	if enabled {
		return s.pipeline.keywordTables.Add(ctx, seg.DatasetID, []string{seg.ID})
	}
	return s.pipeline.keywordTables.Remove(ctx, seg.DatasetID, []string{seg.ID})
}

// DeleteSegment removes a segment from the vector index, the keyword table
// and storage, in that order.
func (s *SegmentService) DeleteSegment(ctx context.Context, accountID, datasetID, documentID, segmentID string) error {
	doc, seg, err := s.segment(ctx, accountID, datasetID, documentID, segmentID)
	if err != nil {
		return err
	}
	if seg.Status != models.SegmentCompleted && seg.Status != models.SegmentError {
		return fmt.Errorf("%w: segment is %s", ErrInvalidState, seg.Status)
	}

	if err := s.pipeline.vectors.Delete(ctx, vectorstore.DeleteFilter{NodeIDs: []string{seg.NodeID}}); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	if err := s.pipeline.keywordTables.Remove(ctx, seg.DatasetID, []string{seg.ID}); err != nil {
		return fmt.Errorf("update keyword table: %w", err)
	}
	if err := s.stores.Segments.Delete(ctx, seg.ID); err != nil {
		return err
	}

	doc.CharacterCount = max(doc.CharacterCount-seg.CharacterCount, 0)
	doc.TokenCount = max(doc.TokenCount-seg.TokenCount, 0)
	return s.stores.Documents.Update(ctx, doc)
}

func (s *SegmentService) validate(content string) (int, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("%w: content is required", ErrInvalidSegment)
	}
	tokens := s.pipeline.counter.Count(content)
	if tokens > MaxSegmentTokens {
		return 0, fmt.Errorf("%w: content has %d tokens, limit is %d", ErrInvalidSegment, tokens, MaxSegmentTokens)
	}
	return tokens, nil
}

func (s *SegmentService) keywords(in SegmentInput) []string {
	if len(in.Keywords) > 0 {
		out := make([]string, 0, len(in.Keywords))
		seen := make(map[string]struct{}, len(in.Keywords))
		for _, kw := range in.Keywords {
			kw = strings.TrimSpace(kw)
			if _, dup := seen[kw]; dup || kw == "" {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
		return out
	}
	return s.pipeline.extractor.Extract(in.Content, keywords.DefaultTopK)
}

func (s *SegmentService) document(ctx context.Context, accountID, datasetID, documentID string) (*models.Document, error) {
	doc, err := s.stores.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.DatasetID != datasetID || doc.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

func (s *SegmentService) segment(ctx context.Context, accountID, datasetID, documentID, segmentID string) (*models.Document, *models.Segment, error) {
	doc, err := s.document(ctx, accountID, datasetID, documentID)
	if err != nil {
		return nil, nil, err
	}
	seg, err := s.stores.Segments.Get(ctx, segmentID)
	if err != nil {
		return nil, nil, err
	}
	if seg.DocumentID != doc.ID {
		return nil, nil, storage.ErrNotFound
	}
	return doc, seg, nil
}

func (s *SegmentService) unlock(ctx context.Context, lock *cache.Lock) {
	if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "failed to release lock", "key", lock.Key, "error", err)
	}
}
