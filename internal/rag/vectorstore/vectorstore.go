// Package vectorstore defines the semantic index of segments and an
// in-memory implementation.
package vectorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record id is unknown.
var ErrNotFound = errors.New("vector record not found")

// Metadata is stored with every record and filtered on at query time.
type Metadata struct {
	AccountID       string `json:"account_id"`
	DatasetID       string `json:"dataset_id"`
	DocumentID      string `json:"document_id"`
	SegmentID       string `json:"segment_id"`
	NodeID          string `json:"node_id"`
	DocumentEnabled bool   `json:"document_enabled"`
	SegmentEnabled  bool   `json:"segment_enabled"`
}

// Record is one embedded segment, keyed by its node id.
type Record struct {
	ID       string
	Content  string
	Metadata Metadata
}

// Hit is a search result. Score is cosine similarity in [-1, 1].
type Hit struct {
	Record
	Score float64
}

// Filter restricts a similarity search. Nil booleans match any value.
type Filter struct {
	DatasetIDs      []string
	DocumentEnabled *bool
	SegmentEnabled  *bool
}

// EnabledOnly returns a filter matching enabled segments of enabled
// documents in the given datasets.
func EnabledOnly(datasetIDs ...string) Filter {
	enabled := true
	return Filter{DatasetIDs: datasetIDs, DocumentEnabled: &enabled, SegmentEnabled: &enabled}
}

// MetadataPatch updates the visibility flags of a record.
type MetadataPatch struct {
	DocumentEnabled *bool
	SegmentEnabled  *bool
}

// DeleteFilter selects records to delete. Empty fields are ignored; an
// entirely empty filter deletes nothing.
type DeleteFilter struct {
	DatasetID   string
	DocumentIDs []string
	NodeIDs     []string
}

// IsEmpty reports whether the filter selects nothing.
func (f DeleteFilter) IsEmpty() bool {
	return f.DatasetID == "" && len(f.DocumentIDs) == 0 && len(f.NodeIDs) == 0
}

// Store is the semantic index. Implementations embed content themselves.
type Store interface {
	// Add embeds and upserts records.
	Add(ctx context.Context, records []Record) error
	// SimilaritySearch returns up to k hits ordered by descending score.
	SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)
	// UpdateMetadata patches one record's flags.
	UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error
	// Delete removes every record matching the filter.
	Delete(ctx context.Context, filter DeleteFilter) error
}

func (f Filter) matches(m Metadata) bool {
	if len(f.DatasetIDs) > 0 {
		found := false
		for _, id := range f.DatasetIDs {
			if id == m.DatasetID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DocumentEnabled != nil && *f.DocumentEnabled != m.DocumentEnabled {
		return false
	}
	if f.SegmentEnabled != nil && *f.SegmentEnabled != m.SegmentEnabled {
		return false
	}
	return true
}

func (f DeleteFilter) matches(id string, m Metadata) bool {
	if f.DatasetID != "" && m.DatasetID != f.DatasetID {
		return false
	}
	if len(f.DocumentIDs) > 0 && !contains(f.DocumentIDs, m.DocumentID) {
		return false
	}
	if len(f.NodeIDs) > 0 && !contains(f.NodeIDs, id) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
