package pgvector

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/llmops/internal/memory/embeddings/hashing"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(Config{DB: db}, hashing.New(hashing.Config{Dimension: 4}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, mock
}

func TestNew_RequiresConnection(t *testing.T) {
	if _, err := New(Config{}, hashing.New(hashing.Config{})); err == nil {
		t.Fatal("expected error without DSN or DB")
	}
	if _, err := New(Config{DSN: "x"}, nil); err == nil {
		t.Fatal("expected error without embedder")
	}
}

func TestStore_SimilaritySearchBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "content", "metadata", "similarity"}).
		AddRow("n1", "hello", `{"dataset_id":"ds-1","segment_id":"s1","document_enabled":true,"segment_enabled":true}`, 0.91)
	mock.ExpectQuery(regexp.QuoteMeta("metadata->>'dataset_id' IN ($2,$3) AND (metadata->>'document_enabled')::boolean = $4 AND (metadata->>'segment_enabled')::boolean = $5 ORDER BY embedding <=> $1::vector ASC LIMIT $6")).
		WithArgs(sqlmock.AnyArg(), "ds-1", "ds-2", true, true, 5).
		WillReturnRows(rows)

	hits, err := s.SimilaritySearch(context.Background(), "hello", 5, vectorstore.EnabledOnly("ds-1", "ds-2"))
	if err != nil {
		t.Fatalf("SimilaritySearch() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Metadata.SegmentID != "s1" || hits[0].Score != 0.91 {
		t.Fatalf("hits = %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_UpdateMetadataMergesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	enabled := false

	mock.ExpectExec(regexp.QuoteMeta("SET metadata = metadata || $1::jsonb WHERE id = $2")).
		WithArgs(`{"document_enabled":false}`, "n1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE llmops_vector_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateMetadata(context.Background(), "n1", vectorstore.MetadataPatch{DocumentEnabled: &enabled}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	err := s.UpdateMetadata(context.Background(), "n2", vectorstore.MetadataPatch{DocumentEnabled: &enabled})
	if !errors.Is(err, vectorstore.ErrNotFound) {
		t.Fatalf("UpdateMetadata(missing) error = %v", err)
	}
}

func TestStore_DeleteByDocuments(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM llmops_vector_records WHERE metadata->>'dataset_id' = $1 AND metadata->>'document_id' IN ($2,$3)")).
		WithArgs("ds-1", "d1", "d2").
		WillReturnResult(sqlmock.NewResult(0, 4))

	err := s.Delete(context.Background(), vectorstore.DeleteFilter{DatasetID: "ds-1", DocumentIDs: []string{"d1", "d2"}})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(context.Background(), vectorstore.DeleteFilter{}); err != nil {
		t.Fatalf("empty Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_AddUpsertsInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO llmops_vector_records").
		WithArgs("n1", "alpha beta", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Add(context.Background(), []vectorstore.Record{{ID: "n1", Content: "alpha beta", Metadata: vectorstore.Metadata{DatasetID: "ds-1"}}})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEncodeEmbedding(t *testing.T) {
	if got := encodeEmbedding([]float32{0.5, -1, 2}); got != "[0.5,-1,2]" {
		t.Fatalf("encodeEmbedding = %q", got)
	}
}
