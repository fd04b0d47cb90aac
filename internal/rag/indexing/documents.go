package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/internal/tasks"
	"github.com/haasonsaas/llmops/pkg/models"
)

// MaxUploadFiles bounds the files accepted by one CreateDocuments call.
const MaxUploadFiles = 10

// AllowedExtensions lists the upload file extensions accepted for indexing.
var AllowedExtensions = []string{"txt", "text", "md", "markdown", "pdf", "csv", "json", "xml", "log"}

var (
	ErrInvalidFiles = errors.New("invalid upload files")
	ErrInvalidState = errors.New("invalid state for this operation")
)

// DocumentService accepts documents for indexing and schedules the
// background work that changes them.
type DocumentService struct {
	stores   storage.StoreSet
	pipeline *Pipeline
	locker   *cache.Locker
	tasks    tasks.Submitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewDocumentService creates a document service that runs pipeline work
// through submitter.
func NewDocumentService(stores storage.StoreSet, pipeline *Pipeline, locker *cache.Locker, submitter tasks.Submitter) *DocumentService {
	return &DocumentService{
		stores:   stores,
		pipeline: pipeline,
		locker:   locker,
		tasks:    submitter,
		logger:   slog.Default().With("component", "documents"),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (s *DocumentService) WithLogger(logger *slog.Logger) *DocumentService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// CreateDocuments registers one document per accepted upload file under a
// fresh batch id and schedules their build. Files of unsupported types are
// skipped; it is an error if none remain.
func (s *DocumentService) CreateDocuments(ctx context.Context, accountID, datasetID string, uploadFileIDs []string, rule models.ProcessRule) ([]*models.Document, string, error) {
	if len(uploadFileIDs) == 0 || len(uploadFileIDs) > MaxUploadFiles {
		return nil, "", fmt.Errorf("%w: between 1 and %d files are required", ErrInvalidFiles, MaxUploadFiles)
	}
	if _, err := s.dataset(ctx, accountID, datasetID); err != nil {
		return nil, "", err
	}

	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, "", err
	}

	files, err := s.stores.UploadFiles.GetMany(ctx, uploadFileIDs)
	if err != nil {
		return nil, "", fmt.Errorf("load upload files: %w", err)
	}
	accepted := files[:0]
	for _, f := range files {
		if f.AccountID == accountID && allowedExtension(f.Extension) {
			accepted = append(accepted, f)
		}
	}
	if len(accepted) == 0 {
		s.logger.WarnContext(ctx, "no indexable upload files", "dataset_id", datasetID, "upload_file_ids", uploadFileIDs)
		return nil, "", fmt.Errorf("%w: no supported files", ErrInvalidFiles)
	}

	rule.ID = uuid.NewString()
	rule.AccountID = accountID
	rule.DatasetID = datasetID
	if err := s.stores.ProcessRules.Create(ctx, &rule); err != nil {
		return nil, "", fmt.Errorf("save process rule: %w", err)
	}

	position, err := s.stores.Documents.MaxPosition(ctx, datasetID)
	if err != nil {
		return nil, "", err
	}
	batch := s.batchID()
	docs := make([]*models.Document, len(accepted))
	ids := make([]string, len(accepted))
	for i, f := range accepted {
		position++
		docs[i] = &models.Document{
			ID:            uuid.NewString(),
			AccountID:     accountID,
			DatasetID:     datasetID,
			UploadFileID:  f.ID,
			ProcessRuleID: rule.ID,
			Batch:         batch,
			Name:          f.Name,
			Position:      position,
			Status:        models.DocumentWaiting,
		}
		ids[i] = docs[i].ID
	}
	if err := s.stores.Documents.Create(ctx, docs...); err != nil {
		return nil, "", fmt.Errorf("create documents: %w", err)
	}

	err = s.tasks.Submit(ctx, tasks.Task{
		Name: "build_documents",
		Run:  func(ctx context.Context) error { return s.pipeline.Build(ctx, ids) },
	})
	if err != nil {
		return nil, "", fmt.Errorf("schedule build: %w", err)
	}
	s.logger.InfoContext(ctx, "documents created", "dataset_id", datasetID, "batch", batch, "count", len(docs))
	return docs, batch, nil
}

// batchID is the creation time to the second followed by six random digits.
func (s *DocumentService) batchID() string {
	return s.now().Format("20060102150405") + fmt.Sprintf("%06d", 100000+rand.IntN(900000)) // #nosec G404 -- not a secret
}

// GetDocument returns a document of the dataset.
func (s *DocumentService) GetDocument(ctx context.Context, accountID, datasetID, documentID string) (*models.Document, error) {
	doc, err := s.stores.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.DatasetID != datasetID || doc.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

// ListDocuments returns the dataset's documents by position.
func (s *DocumentService) ListDocuments(ctx context.Context, accountID, datasetID string) ([]*models.Document, error) {
	if _, err := s.dataset(ctx, accountID, datasetID); err != nil {
		return nil, err
	}
	return s.stores.Documents.ListByDataset(ctx, datasetID)
}

// UpdateDocumentName renames a document.
func (s *DocumentService) UpdateDocumentName(ctx context.Context, accountID, datasetID, documentID, name string) (*models.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidState)
	}
	doc, err := s.GetDocument(ctx, accountID, datasetID, documentID)
	if err != nil {
		return nil, err
	}
	doc.Name = name
	if err := s.stores.Documents.Update(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateDocumentEnabled flips a completed document's visibility and
// schedules propagation to the indexes. It fails fast with
// cache.ErrLockBusy while a previous toggle is still running.
func (s *DocumentService) UpdateDocumentEnabled(ctx context.Context, accountID, datasetID, documentID string, enabled bool) (*models.Document, error) {
	doc, err := s.GetDocument(ctx, accountID, datasetID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentCompleted {
		return nil, fmt.Errorf("%w: document is %s", ErrInvalidState, doc.Status)
	}
	if doc.Enabled == enabled {
		return nil, fmt.Errorf("%w: document enabled is already %t", ErrInvalidState, enabled)
	}

	key := cache.DocumentEnabledLockKey(doc.ID)
	if _, err := s.locker.TryLock(ctx, key, cache.LockExpireTime); err != nil {
		return nil, err
	}

	doc.Enabled = enabled
	if enabled {
		doc.DisabledAt = nil
	} else {
		t := s.now().UTC()
		doc.DisabledAt = &t
	}
	if err := s.stores.Documents.Update(ctx, doc); err != nil {
		s.release(ctx, key)
		return nil, err
	}

	err = s.tasks.Submit(ctx, tasks.Task{
		Name: "update_document_enabled",
		Run:  func(ctx context.Context) error { return s.pipeline.ToggleDocumentEnabled(ctx, doc.ID) },
	})
	if err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("schedule toggle: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) release(ctx context.Context, key string) {
	if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.WarnContext(ctx, "failed to release lock", "key", key, "error", err)
	}
}

// DeleteDocument schedules removal of a document that is not being built.
func (s *DocumentService) DeleteDocument(ctx context.Context, accountID, datasetID, documentID string) (*models.Document, error) {
	doc, err := s.GetDocument(ctx, accountID, datasetID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentCompleted && doc.Status != models.DocumentError {
		return nil, fmt.Errorf("%w: document is %s", ErrInvalidState, doc.Status)
	}
	err = s.tasks.Submit(ctx, tasks.Task{
		Name: "delete_document",
		Run:  func(ctx context.Context) error { return s.pipeline.DeleteDocument(ctx, datasetID, doc.ID) },
	})
	if err != nil {
		return nil, fmt.Errorf("schedule delete: %w", err)
	}
	return doc, nil
}

// DocumentProgress is the indexing status of one document in a batch.
type DocumentProgress struct {
	ID                    string                `json:"id"`
	Name                  string                `json:"name"`
	Size                  int64                 `json:"size"`
	Extension             string                `json:"extension"`
	MimeType              string                `json:"mime_type"`
	Position              int                   `json:"position"`
	SegmentCount          int                   `json:"segment_count"`
	CompletedSegmentCount int                   `json:"completed_segment_count"`
	Error                 string                `json:"error,omitempty"`
	Status                models.DocumentStatus `json:"status"`

	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	ParsingCompletedAt   *time.Time `json:"parsing_completed_at,omitempty"`
	SplittingCompletedAt *time.Time `json:"splitting_completed_at,omitempty"`
	IndexingCompletedAt  *time.Time `json:"indexing_completed_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	StoppedAt            *time.Time `json:"stopped_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// BatchStatus reports per-document progress for a batch, by position.
func (s *DocumentService) BatchStatus(ctx context.Context, accountID, datasetID, batch string) ([]DocumentProgress, error) {
	if _, err := s.dataset(ctx, accountID, datasetID); err != nil {
		return nil, err
	}
	docs, err := s.stores.Documents.ListByBatch(ctx, datasetID, batch)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batch, storage.ErrNotFound)
	}

	out := make([]DocumentProgress, 0, len(docs))
	for _, doc := range docs {
		total, completed, err := s.stores.Segments.Count(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		progress := DocumentProgress{
			ID:                    doc.ID,
			Name:                  doc.Name,
			Position:              doc.Position,
			SegmentCount:          total,
			CompletedSegmentCount: completed,
			Error:                 doc.Error,
			Status:                doc.Status,
			ProcessingStartedAt:   doc.ProcessingStartedAt,
			ParsingCompletedAt:    doc.ParsingCompletedAt,
			SplittingCompletedAt:  doc.SplittingCompletedAt,
			IndexingCompletedAt:   doc.IndexingCompletedAt,
			CompletedAt:           doc.CompletedAt,
			StoppedAt:             doc.StoppedAt,
			CreatedAt:             doc.CreatedAt,
		}
		file, err := s.stores.UploadFiles.Get(ctx, doc.UploadFileID)
		switch {
		case err == nil:
			progress.Size = file.Size
			progress.Extension = file.Extension
			progress.MimeType = file.MimeType
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
		out = append(out, progress)
	}
	return out, nil
}

func (s *DocumentService) dataset(ctx context.Context, accountID, datasetID string) (*models.Dataset, error) {
	ds, err := s.stores.Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if ds.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return ds, nil
}

func allowedExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
