package models

import (
	"time"
)

// DocumentStatus tracks a document through the indexing pipeline.
type DocumentStatus string

const (
	DocumentWaiting   DocumentStatus = "waiting"
	DocumentParsing   DocumentStatus = "parsing"
	DocumentSplitting DocumentStatus = "splitting"
	DocumentIndexing  DocumentStatus = "indexing"
	DocumentCompleted DocumentStatus = "completed"
	DocumentError     DocumentStatus = "error"
)

// SegmentStatus tracks a segment through the indexing pipeline.
type SegmentStatus string

const (
	SegmentWaiting   SegmentStatus = "waiting"
	SegmentIndexing  SegmentStatus = "indexing"
	SegmentCompleted SegmentStatus = "completed"
	SegmentError     SegmentStatus = "error"
)

var segmentStatusOrder = map[SegmentStatus]int{
	SegmentWaiting:   0,
	SegmentIndexing:  1,
	SegmentCompleted: 2,
}

// CanTransition reports whether a segment may move from s to next.
// Progress is monotonic along waiting, indexing, completed; error is
// reachable from any state.
func (s SegmentStatus) CanTransition(next SegmentStatus) bool {
	if next == SegmentError {
		return true
	}
	from, ok := segmentStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := segmentStatusOrder[next]
	if !ok {
		return false
	}
	return to >= from
}

// Dataset is a knowledge base: a collection of documents searchable as a unit.
type Dataset struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UploadFile references a raw file held in object storage.
type UploadFile struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
	MimeType  string    `json:"mime_type"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one ingested source file.
//
// Documents are created by the intake service and afterwards mutated only
// by the indexing pipeline.
type Document struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	DatasetID     string `json:"dataset_id"`
	UploadFileID  string `json:"upload_file_id"`
	ProcessRuleID string `json:"process_rule_id"`
	Batch         string `json:"batch"`
	Name          string `json:"name"`
	Position      int    `json:"position"`

	CharacterCount int `json:"character_count"`
	TokenCount     int `json:"token_count"`

	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	ParsingCompletedAt   *time.Time `json:"parsing_completed_at,omitempty"`
	SplittingCompletedAt *time.Time `json:"splitting_completed_at,omitempty"`
	IndexingCompletedAt  *time.Time `json:"indexing_completed_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	StoppedAt            *time.Time `json:"stopped_at,omitempty"`

	Error      string         `json:"error,omitempty"`
	Enabled    bool           `json:"enabled"`
	DisabledAt *time.Time     `json:"disabled_at,omitempty"`
	Status     DocumentStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Segment is one chunk of a document and the atomic retrievable unit.
//
// Enabled is independent of Status and gates visibility to retrieval.
type Segment struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	DatasetID  string `json:"dataset_id"`
	DocumentID string `json:"document_id"`
	NodeID     string `json:"node_id"`
	Position   int    `json:"position"`

	Content        string   `json:"content"`
	CharacterCount int      `json:"character_count"`
	TokenCount     int      `json:"token_count"`
	Keywords       []string `json:"keywords"`
	Hash           string   `json:"hash"`
	HitCount       int      `json:"hit_count"`

	Enabled    bool          `json:"enabled"`
	DisabledAt *time.Time    `json:"disabled_at,omitempty"`
	Status     SegmentStatus `json:"status"`
	Error      string        `json:"error,omitempty"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	IndexingCompletedAt *time.Time `json:"indexing_completed_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	StoppedAt           *time.Time `json:"stopped_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetrievalSource records where a retrieval call originated.
type RetrievalSource string

const (
	RetrievalSourceDebugger   RetrievalSource = "debugger"
	RetrievalSourceHitTesting RetrievalSource = "hit_testing"
	RetrievalSourceApp        RetrievalSource = "app"
	RetrievalSourceService    RetrievalSource = "service"
)

// DatasetQuery is an audit row written once per dataset touched by a search.
type DatasetQuery struct {
	ID          string          `json:"id"`
	DatasetID   string          `json:"dataset_id"`
	Query       string          `json:"query"`
	Source      RetrievalSource `json:"source"`
	SourceAppID string          `json:"source_app_id,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
