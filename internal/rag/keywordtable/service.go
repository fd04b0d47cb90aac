// Package keywordtable maintains the per-dataset inverted keyword index
// used by lexical retrieval.
package keywordtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// Service reads and mutates keyword tables. Every mutation is a
// read-modify-write of the whole table under the dataset's update lock.
type Service struct {
	tables   storage.KeywordTableStore
	segments storage.SegmentStore
	locker   *cache.Locker
	logger   *slog.Logger
}

// New creates a keyword table service.
func New(tables storage.KeywordTableStore, segments storage.SegmentStore, locker *cache.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "keyword-table")
	}
	return &Service{tables: tables, segments: segments, locker: locker, logger: logger}
}

// GetOrCreate returns the dataset's table, creating an empty one if needed.
func (s *Service) GetOrCreate(ctx context.Context, datasetID string) (*models.KeywordTable, error) {
	table, err := s.tables.Get(ctx, datasetID)
	if err == nil {
		return table, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get keyword table: %w", err)
	}
	table = &models.KeywordTable{DatasetID: datasetID, KeywordTable: map[string][]string{}}
	if err := s.tables.Save(ctx, table); err != nil {
		return nil, fmt.Errorf("create keyword table: %w", err)
	}
	return table, nil
}

// Add loads the keywords of the given segments and merges them into the
// dataset's table.
func (s *Service) Add(ctx context.Context, datasetID string, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	segments, err := s.segments.GetMany(ctx, segmentIDs)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}
	keywords := make(map[string][]string, len(segments))
	for _, seg := range segments {
		keywords[seg.ID] = seg.Keywords
	}
	return s.AddKeywords(ctx, datasetID, keywords)
}

// AddKeywords merges segment keywords that the caller already holds.
func (s *Service) AddKeywords(ctx context.Context, datasetID string, keywords map[string][]string) error {
	if len(keywords) == 0 {
		return nil
	}
	return s.update(ctx, datasetID, func(set models.KeywordSet) {
		for segmentID, kws := range keywords {
			set.Add(segmentID, kws)
		}
	})
}

// Remove drops segment ids from every keyword of the dataset's table.
func (s *Service) Remove(ctx context.Context, datasetID string, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	return s.update(ctx, datasetID, func(set models.KeywordSet) {
		set.Remove(segmentIDs)
	})
}

// DeleteByDataset drops the dataset's table.
func (s *Service) DeleteByDataset(ctx context.Context, datasetID string) error {
	lock, err := s.locker.Lock(ctx, cache.KeywordTableLockKey(datasetID), cache.LockExpireTime)
	if err != nil {
		return fmt.Errorf("lock keyword table %s: %w", datasetID, err)
	}
	defer s.unlock(lock)
	if err := s.tables.Delete(ctx, datasetID); err != nil {
		return fmt.Errorf("delete keyword table: %w", err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, datasetID string, mutate func(models.KeywordSet)) error {
	lock, err := s.locker.Lock(ctx, cache.KeywordTableLockKey(datasetID), cache.LockExpireTime)
	if err != nil {
		return fmt.Errorf("lock keyword table %s: %w", datasetID, err)
	}
	defer s.unlock(lock)

	table, err := s.GetOrCreate(ctx, datasetID)
	if err != nil {
		return err
	}
	set := table.Set()
	mutate(set)
	table.KeywordTable = set.Table()
	if err := s.tables.Save(ctx, table); err != nil {
		return fmt.Errorf("save keyword table: %w", err)
	}
	return nil
}

func (s *Service) unlock(lock *cache.Lock) {
	// Released with a fresh context so a cancelled caller still frees the key.
	if err := lock.Unlock(context.Background()); err != nil {
		s.logger.Warn("failed to release keyword table lock", "key", lock.Key, "error", err)
	}
}
