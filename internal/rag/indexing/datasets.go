package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/internal/tasks"
	"github.com/haasonsaas/llmops/pkg/models"
)

// ErrDatasetExists is returned when an account already has a dataset with
// the requested name.
var ErrDatasetExists = errors.New("dataset name already exists")

// DefaultDatasetDescription is used when a dataset is created without one.
// Agents see it as the retrieval tool's description.
const DefaultDatasetDescription = "Useful for when you want to answer questions about %s."

// DatasetService manages knowledge bases.
type DatasetService struct {
	stores   storage.StoreSet
	pipeline *Pipeline
	tasks    tasks.Submitter
}

// NewDatasetService creates a dataset service.
func NewDatasetService(stores storage.StoreSet, pipeline *Pipeline, submitter tasks.Submitter) *DatasetService {
	return &DatasetService{stores: stores, pipeline: pipeline, tasks: submitter}
}

// CreateDataset creates a dataset with a name unique within the account.
func (s *DatasetService) CreateDataset(ctx context.Context, accountID, name, description string) (*models.Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: dataset name is required", ErrInvalidState)
	}
	if err := s.checkName(ctx, accountID, name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(description) == "" {
		description = fmt.Sprintf(DefaultDatasetDescription, name)
	}
	ds := &models.Dataset{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Name:        name,
		Description: description,
	}
	if err := s.stores.Datasets.Create(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// GetDataset returns one of the account's datasets.
func (s *DatasetService) GetDataset(ctx context.Context, accountID, datasetID string) (*models.Dataset, error) {
	ds, err := s.stores.Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if ds.AccountID != accountID {
		return nil, storage.ErrNotFound
	}
	return ds, nil
}

// ListDatasets returns the account's datasets.
func (s *DatasetService) ListDatasets(ctx context.Context, accountID string) ([]*models.Dataset, error) {
	return s.stores.Datasets.List(ctx, accountID)
}

// DeleteDataset schedules removal of a dataset and all its content.
func (s *DatasetService) DeleteDataset(ctx context.Context, accountID, datasetID string) error {
	if _, err := s.GetDataset(ctx, accountID, datasetID); err != nil {
		return err
	}
	return s.tasks.Submit(ctx, tasks.Task{
		Name: "delete_dataset",
		Run:  func(ctx context.Context) error { return s.pipeline.DeleteDataset(ctx, datasetID) },
	})
}

func (s *DatasetService) checkName(ctx context.Context, accountID, name string) error {
	existing, err := s.stores.Datasets.List(ctx, accountID)
	if err != nil {
		return err
	}
	for _, ds := range existing {
		if strings.EqualFold(ds.Name, name) {
			return fmt.Errorf("%w: %s", ErrDatasetExists, name)
		}
	}
	return nil
}
