// Package pgvector provides a vector store implementation using PostgreSQL with the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/haasonsaas/llmops/internal/memory/embeddings"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
)

// Store implements vectorstore.Store using pgvector.
type Store struct {
	db        *sql.DB
	embedder  embeddings.Provider
	dimension int
	ownsDB    bool // whether this store owns the db connection
}

var _ vectorstore.Store = (*Store)(nil)

// Config contains configuration for the pgvector store.
type Config struct {
	// DSN is the PostgreSQL connection string.
	// If empty, DB must be provided.
	DSN string

	// DB is an existing database connection to reuse.
	// If provided, DSN is ignored and the store will not close the connection.
	DB *sql.DB

	// Dimension is the embedding dimension. Defaults to the embedder's.
	Dimension int

	// EnsureSchema creates the extension and table on startup.
	EnsureSchema bool
}

// New creates a new pgvector store.
func New(cfg Config, embedder embeddings.Provider) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = embedder.Dimension()
	}

	var db *sql.DB
	var ownsDB bool
	var err error

	if cfg.DB != nil {
		db = cfg.DB
	} else if cfg.DSN != "" {
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	} else {
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	s := &Store{db: db, embedder: embedder, dimension: cfg.Dimension, ownsDB: ownsDB}

	if cfg.EnsureSchema {
		if err := s.ensureSchema(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return s, nil
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS llmops_vector_records (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL,
		embedding vector NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_llmops_vector_records_dataset ON llmops_vector_records ((metadata->>'dataset_id'))`,
	`CREATE INDEX IF NOT EXISTS idx_llmops_vector_records_document ON llmops_vector_records ((metadata->>'document_id'))`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Add embeds and upserts records in one transaction.
func (s *Store) Add(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Content
	}
	vectors, err := embeddings.EmbedAll(ctx, s.embedder, texts)
	if err != nil {
		return fmt.Errorf("embed records: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, r := range records {
		if err := s.validateEmbedding(vectors[i]); err != nil {
			return fmt.Errorf("validate embedding for %s: %w", r.ID, err)
		}
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO llmops_vector_records (id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4::vector)
			ON CONFLICT (id) DO UPDATE
			SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
			r.ID, r.Content, string(metadata), encodeEmbedding(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("upsert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// SimilaritySearch ranks records by cosine distance to the query.
func (s *Store) SimilaritySearch(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := s.validateEmbedding(qv); err != nil {
		return nil, err
	}

	q := `
		SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM llmops_vector_records
		WHERE TRUE`
	args := []any{encodeEmbedding(qv)}
	argNum := 2

	if len(filter.DatasetIDs) > 0 {
		placeholders := make([]string, len(filter.DatasetIDs))
		for i, id := range filter.DatasetIDs {
			placeholders[i] = "$" + strconv.Itoa(argNum)
			args = append(args, id)
			argNum++
		}
		q += fmt.Sprintf(" AND metadata->>'dataset_id' IN (%s)", strings.Join(placeholders, ","))
	}
	if filter.DocumentEnabled != nil {
		q += fmt.Sprintf(" AND (metadata->>'document_enabled')::boolean = $%d", argNum)
		args = append(args, *filter.DocumentEnabled)
		argNum++
	}
	if filter.SegmentEnabled != nil {
		q += fmt.Sprintf(" AND (metadata->>'segment_enabled')::boolean = $%d", argNum)
		args = append(args, *filter.SegmentEnabled)
		argNum++
	}
	q += fmt.Sprintf(" ORDER BY embedding <=> $1::vector ASC LIMIT $%d", argNum)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var hits []vectorstore.Hit
	for rows.Next() {
		var (
			hit          vectorstore.Hit
			metadataJSON string
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &metadataJSON, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &hit.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return hits, nil
}

// UpdateMetadata merges the patch into the stored JSONB metadata.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch vectorstore.MetadataPatch) error {
	fields := map[string]bool{}
	if patch.DocumentEnabled != nil {
		fields["document_enabled"] = *patch.DocumentEnabled
	}
	if patch.SegmentEnabled != nil {
		fields["segment_enabled"] = *patch.SegmentEnabled
	}
	if len(fields) == 0 {
		return nil
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE llmops_vector_records SET metadata = metadata || $1::jsonb WHERE id = $2`,
		string(body), id,
	)
	if err != nil {
		return fmt.Errorf("update metadata %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update metadata %s: %w", id, err)
	}
	if n == 0 {
		return vectorstore.ErrNotFound
	}
	return nil
}

// Delete removes records matching every non-empty field of the filter.
func (s *Store) Delete(ctx context.Context, filter vectorstore.DeleteFilter) error {
	if filter.IsEmpty() {
		return nil
	}
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.DatasetID != "" {
		conds = append(conds, "metadata->>'dataset_id' = "+next(filter.DatasetID))
	}
	if len(filter.DocumentIDs) > 0 {
		ph := make([]string, len(filter.DocumentIDs))
		for i, id := range filter.DocumentIDs {
			ph[i] = next(id)
		}
		conds = append(conds, "metadata->>'document_id' IN ("+strings.Join(ph, ",")+")")
	}
	if len(filter.NodeIDs) > 0 {
		ph := make([]string, len(filter.NodeIDs))
		for i, id := range filter.NodeIDs {
			ph[i] = next(id)
		}
		conds = append(conds, "id IN ("+strings.Join(ph, ",")+")")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM llmops_vector_records WHERE "+strings.Join(conds, " AND "), args...); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.dimension)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("embedding contains invalid values")
		}
	}
	return nil
}

func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
