package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haasonsaas/llmops/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DatasetStore persists knowledge bases.
type DatasetStore interface {
	Create(ctx context.Context, dataset *models.Dataset) error
	Get(ctx context.Context, id string) (*models.Dataset, error)
	List(ctx context.Context, accountID string) ([]*models.Dataset, error)
	Delete(ctx context.Context, id string) error
}

// UploadFileStore persists references to raw files in object storage.
type UploadFileStore interface {
	Create(ctx context.Context, file *models.UploadFile) error
	Get(ctx context.Context, id string) (*models.UploadFile, error)
	GetMany(ctx context.Context, ids []string) ([]*models.UploadFile, error)
}

// ProcessRuleStore persists chunking policy snapshots.
type ProcessRuleStore interface {
	Create(ctx context.Context, rule *models.ProcessRule) error
	Get(ctx context.Context, id string) (*models.ProcessRule, error)
	DeleteByDataset(ctx context.Context, datasetID string) error
}

// DocumentStore persists ingested documents.
type DocumentStore interface {
	Create(ctx context.Context, docs ...*models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	GetMany(ctx context.Context, ids []string) ([]*models.Document, error)
	Update(ctx context.Context, doc *models.Document) error
	ListByDataset(ctx context.Context, datasetID string) ([]*models.Document, error)
	ListByBatch(ctx context.Context, datasetID, batch string) ([]*models.Document, error)
	// MaxPosition returns the highest document position in the dataset, or 0.
	MaxPosition(ctx context.Context, datasetID string) (int, error)
	Delete(ctx context.Context, ids ...string) error
	DeleteByDataset(ctx context.Context, datasetID string) error
}

// SegmentStore persists document chunks.
type SegmentStore interface {
	Create(ctx context.Context, segments ...*models.Segment) error
	Get(ctx context.Context, id string) (*models.Segment, error)
	// GetMany returns the segments that exist, in no particular order.
	GetMany(ctx context.Context, ids []string) ([]*models.Segment, error)
	Update(ctx context.Context, segment *models.Segment) error
	ListByDocument(ctx context.Context, documentID string) ([]*models.Segment, error)
	// MaxPosition returns the highest segment position in the document, or 0.
	MaxPosition(ctx context.Context, documentID string) (int, error)
	// Count returns the total and completed segment counts of a document.
	Count(ctx context.Context, documentID string) (total, completed int, err error)
	// IncrementHitCount adds one to the hit count of every listed segment in
	// a single statement.
	IncrementHitCount(ctx context.Context, ids []string) error
	Delete(ctx context.Context, ids ...string) error
	DeleteByDocument(ctx context.Context, documentIDs ...string) error
	DeleteByDataset(ctx context.Context, datasetID string) error
}

// KeywordTableStore persists the per-dataset inverted keyword index.
type KeywordTableStore interface {
	Get(ctx context.Context, datasetID string) (*models.KeywordTable, error)
	// Save inserts or replaces the table of its dataset.
	Save(ctx context.Context, table *models.KeywordTable) error
	Delete(ctx context.Context, datasetID string) error
}

// DatasetQueryStore persists the retrieval audit log.
type DatasetQueryStore interface {
	Create(ctx context.Context, queries ...*models.DatasetQuery) error
	ListByDataset(ctx context.Context, datasetID string, limit int) ([]*models.DatasetQuery, error)
	DeleteByDataset(ctx context.Context, datasetID string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Datasets       DatasetStore
	UploadFiles    UploadFileStore
	ProcessRules   ProcessRuleStore
	Documents      DocumentStore
	Segments       SegmentStore
	KeywordTables  KeywordTableStore
	DatasetQueries DatasetQueryStore

	// DB and Dialect are set for SQL-backed sets so that other components
	// can share the connection pool.
	DB      *sql.DB
	Dialect Dialect

	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
