package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/haasonsaas/llmops/pkg/models"
)

// Open connects to the configured database and returns SQL-backed stores
// that share one connection pool.
func Open(ctx context.Context, cfg Config) (StoreSet, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return StoreSet{}, err
	}
	if cfg.DSN == "" {
		return StoreSet{}, fmt.Errorf("database dsn is required")
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return StoreSet{}, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return StoreSet{}, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.RunMigrations {
		if _, err := Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return StoreSet{}, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	set := NewSQLStoreSet(db, dialect)
	set.closer = db.Close
	return set, nil
}

// NewSQLStoreSet wraps an existing connection. The caller keeps ownership
// of db.
func NewSQLStoreSet(db *sql.DB, dialect Dialect) StoreSet {
	conn := sqlConn{db: db, dialect: dialect}
	return StoreSet{
		Datasets:       &SQLDatasetStore{conn},
		UploadFiles:    &SQLUploadFileStore{conn},
		ProcessRules:   &SQLProcessRuleStore{conn},
		Documents:      &SQLDocumentStore{conn},
		Segments:       &SQLSegmentStore{conn},
		KeywordTables:  &SQLKeywordTableStore{conn},
		DatasetQueries: &SQLDatasetQueryStore{conn},
		DB:             db,
		Dialect:        dialect,
	}
}

type sqlConn struct {
	db      *sql.DB
	dialect Dialect
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

func (c sqlConn) inTx(ctx context.Context, fn func(exec func(query string, args ...any) error) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	err = fn(func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, c.dialect.Rebind(query), args...)
		return err
	})
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// SQLDatasetStore implements DatasetStore over database/sql.
type SQLDatasetStore struct{ conn sqlConn }

func (s *SQLDatasetStore) Create(ctx context.Context, dataset *models.Dataset) error {
	if dataset == nil {
		return fmt.Errorf("dataset is required")
	}
	if dataset.ID == "" {
		dataset.ID = uuid.NewString()
	}
	stampCreated(&dataset.CreatedAt, &dataset.UpdatedAt)
	_, err := s.conn.exec(ctx, `
		INSERT INTO datasets (id, account_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dataset.ID, dataset.AccountID, dataset.Name, dataset.Description, dataset.CreatedAt, dataset.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	return nil
}

func (s *SQLDatasetStore) Get(ctx context.Context, id string) (*models.Dataset, error) {
	var d models.Dataset
	err := s.conn.queryRow(ctx, `
		SELECT id, account_id, name, description, created_at, updated_at
		FROM datasets WHERE id = ?`, id,
	).Scan(&d.ID, &d.AccountID, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return &d, nil
}

func (s *SQLDatasetStore) List(ctx context.Context, accountID string) ([]*models.Dataset, error) {
	rows, err := s.conn.query(ctx, `
		SELECT id, account_id, name, description, created_at, updated_at
		FROM datasets WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()
	var out []*models.Dataset
	for rows.Next() {
		var d models.Dataset
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLDatasetStore) Delete(ctx context.Context, id string) error {
	res, err := s.conn.exec(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return expectOne(res)
}

// SQLUploadFileStore implements UploadFileStore over database/sql.
type SQLUploadFileStore struct{ conn sqlConn }

const uploadFileColumns = `id, account_id, name, object_key, size, extension, mime_type, hash, created_at`

func scanUploadFile(row rowScanner) (*models.UploadFile, error) {
	var f models.UploadFile
	if err := row.Scan(&f.ID, &f.AccountID, &f.Name, &f.Key, &f.Size, &f.Extension, &f.MimeType, &f.Hash, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLUploadFileStore) Create(ctx context.Context, file *models.UploadFile) error {
	if file == nil {
		return fmt.Errorf("upload file is required")
	}
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn.exec(ctx, `INSERT INTO upload_files (`+uploadFileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.AccountID, file.Name, file.Key, file.Size, file.Extension, file.MimeType, file.Hash, file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	return nil
}

func (s *SQLUploadFileStore) Get(ctx context.Context, id string) (*models.UploadFile, error) {
	f, err := scanUploadFile(s.conn.queryRow(ctx, `SELECT `+uploadFileColumns+` FROM upload_files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload file: %w", err)
	}
	return f, nil
}

func (s *SQLUploadFileStore) GetMany(ctx context.Context, ids []string) ([]*models.UploadFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.query(ctx, `SELECT `+uploadFileColumns+` FROM upload_files WHERE id IN (`+Placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload files: %w", err)
	}
	defer rows.Close()
	var out []*models.UploadFile
	for rows.Next() {
		f, err := scanUploadFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SQLProcessRuleStore implements ProcessRuleStore over database/sql.
type SQLProcessRuleStore struct{ conn sqlConn }

func (s *SQLProcessRuleStore) Create(ctx context.Context, rule *models.ProcessRule) error {
	if rule == nil {
		return fmt.Errorf("process rule is required")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(rule.Rule)
	if err != nil {
		return fmt.Errorf("marshal process rule: %w", err)
	}
	_, err = s.conn.exec(ctx, `
		INSERT INTO process_rules (id, account_id, dataset_id, mode, rule, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.AccountID, rule.DatasetID, string(rule.Mode), string(body), rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create process rule: %w", err)
	}
	return nil
}

func (s *SQLProcessRuleStore) Get(ctx context.Context, id string) (*models.ProcessRule, error) {
	var (
		rule models.ProcessRule
		mode string
		body string
	)
	err := s.conn.queryRow(ctx, `
		SELECT id, account_id, dataset_id, mode, rule, created_at
		FROM process_rules WHERE id = ?`, id,
	).Scan(&rule.ID, &rule.AccountID, &rule.DatasetID, &mode, &body, &rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process rule: %w", err)
	}
	rule.Mode = models.ProcessMode(mode)
	if err := json.Unmarshal([]byte(body), &rule.Rule); err != nil {
		return nil, fmt.Errorf("unmarshal process rule: %w", err)
	}
	return &rule, nil
}

func (s *SQLProcessRuleStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	if _, err := s.conn.exec(ctx, `DELETE FROM process_rules WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("failed to delete process rules: %w", err)
	}
	return nil
}

// SQLDocumentStore implements DocumentStore over database/sql.
type SQLDocumentStore struct{ conn sqlConn }

const documentColumns = `id, account_id, dataset_id, upload_file_id, process_rule_id, batch, name, position,
	character_count, token_count, processing_started_at, parsing_completed_at, splitting_completed_at,
	indexing_completed_at, completed_at, stopped_at, error, enabled, disabled_at, status, created_at, updated_at`

func scanDocument(row rowScanner) (*models.Document, error) {
	var d models.Document
	var status string
	var started, parsed, split, indexed, completed, stopped, disabled sql.NullTime
	err := row.Scan(&d.ID, &d.AccountID, &d.DatasetID, &d.UploadFileID, &d.ProcessRuleID, &d.Batch, &d.Name, &d.Position,
		&d.CharacterCount, &d.TokenCount, &started, &parsed, &split,
		&indexed, &completed, &stopped, &d.Error, &d.Enabled, &disabled, &status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.ProcessingStartedAt = timePtr(started)
	d.ParsingCompletedAt = timePtr(parsed)
	d.SplittingCompletedAt = timePtr(split)
	d.IndexingCompletedAt = timePtr(indexed)
	d.CompletedAt = timePtr(completed)
	d.StoppedAt = timePtr(stopped)
	d.DisabledAt = timePtr(disabled)
	d.Status = models.DocumentStatus(status)
	return &d, nil
}

func (s *SQLDocumentStore) Create(ctx context.Context, docs ...*models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	err := s.conn.inTx(ctx, func(exec func(string, ...any) error) error {
		for _, d := range docs {
			if d == nil {
				return fmt.Errorf("document is required")
			}
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			stampCreated(&d.CreatedAt, &d.UpdatedAt)
			err := exec(`INSERT INTO documents (`+documentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.ID, d.AccountID, d.DatasetID, d.UploadFileID, d.ProcessRuleID, d.Batch, d.Name, d.Position,
				d.CharacterCount, d.TokenCount, nullableTime(d.ProcessingStartedAt), nullableTime(d.ParsingCompletedAt),
				nullableTime(d.SplittingCompletedAt), nullableTime(d.IndexingCompletedAt), nullableTime(d.CompletedAt),
				nullableTime(d.StoppedAt), d.Error, d.Enabled, nullableTime(d.DisabledAt), string(d.Status),
				d.CreatedAt, d.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert document %s: %w", d.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create documents: %w", err)
	}
	return nil
}

func (s *SQLDocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(s.conn.queryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

func (s *SQLDocumentStore) GetMany(ctx context.Context, ids []string) ([]*models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (`+Placeholders(len(ids))+`) ORDER BY position`, stringArgs(ids)...)
}

func (s *SQLDocumentStore) Update(ctx context.Context, d *models.Document) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("document is required")
	}
	d.UpdatedAt = time.Now().UTC()
	res, err := s.conn.exec(ctx, `
		UPDATE documents SET
			name = ?, position = ?, character_count = ?, token_count = ?,
			processing_started_at = ?, parsing_completed_at = ?, splitting_completed_at = ?,
			indexing_completed_at = ?, completed_at = ?, stopped_at = ?,
			error = ?, enabled = ?, disabled_at = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Position, d.CharacterCount, d.TokenCount,
		nullableTime(d.ProcessingStartedAt), nullableTime(d.ParsingCompletedAt), nullableTime(d.SplittingCompletedAt),
		nullableTime(d.IndexingCompletedAt), nullableTime(d.CompletedAt), nullableTime(d.StoppedAt),
		d.Error, d.Enabled, nullableTime(d.DisabledAt), string(d.Status), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return expectOne(res)
}

func (s *SQLDocumentStore) ListByDataset(ctx context.Context, datasetID string) ([]*models.Document, error) {
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents WHERE dataset_id = ? ORDER BY position`, datasetID)
}

func (s *SQLDocumentStore) ListByBatch(ctx context.Context, datasetID, batch string) ([]*models.Document, error) {
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents WHERE dataset_id = ? AND batch = ? ORDER BY position`, datasetID, batch)
}

func (s *SQLDocumentStore) list(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := s.conn.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()
	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLDocumentStore) MaxPosition(ctx context.Context, datasetID string) (int, error) {
	var max int
	if err := s.conn.queryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM documents WHERE dataset_id = ?`, datasetID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max document position: %w", err)
	}
	return max, nil
}

func (s *SQLDocumentStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.conn.exec(ctx, `DELETE FROM documents WHERE id IN (`+Placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

func (s *SQLDocumentStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	if _, err := s.conn.exec(ctx, `DELETE FROM documents WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// SQLSegmentStore implements SegmentStore over database/sql.
type SQLSegmentStore struct{ conn sqlConn }

const segmentColumns = `id, account_id, dataset_id, document_id, node_id, position, content, character_count,
	token_count, keywords, hash, hit_count, enabled, disabled_at, status, error, processing_started_at,
	indexing_completed_at, completed_at, stopped_at, created_at, updated_at`

func scanSegment(row rowScanner) (*models.Segment, error) {
	var seg models.Segment
	var keywords, status string
	var disabled, started, indexed, completed, stopped sql.NullTime
	err := row.Scan(&seg.ID, &seg.AccountID, &seg.DatasetID, &seg.DocumentID, &seg.NodeID, &seg.Position, &seg.Content,
		&seg.CharacterCount, &seg.TokenCount, &keywords, &seg.Hash, &seg.HitCount, &seg.Enabled, &disabled, &status,
		&seg.Error, &started, &indexed, &completed, &stopped, &seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &seg.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	seg.Status = models.SegmentStatus(status)
	seg.DisabledAt = timePtr(disabled)
	seg.ProcessingStartedAt = timePtr(started)
	seg.IndexingCompletedAt = timePtr(indexed)
	seg.CompletedAt = timePtr(completed)
	seg.StoppedAt = timePtr(stopped)
	return &seg, nil
}

func encodeKeywords(keywords []string) (string, error) {
	if keywords == nil {
		keywords = []string{}
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return "", fmt.Errorf("marshal keywords: %w", err)
	}
	return string(data), nil
}

func (s *SQLSegmentStore) Create(ctx context.Context, segments ...*models.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	err := s.conn.inTx(ctx, func(exec func(string, ...any) error) error {
		for _, seg := range segments {
			if seg == nil {
				return fmt.Errorf("segment is required")
			}
			if seg.ID == "" {
				seg.ID = uuid.NewString()
			}
			stampCreated(&seg.CreatedAt, &seg.UpdatedAt)
			keywords, err := encodeKeywords(seg.Keywords)
			if err != nil {
				return err
			}
			err = exec(`INSERT INTO segments (`+segmentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				seg.ID, seg.AccountID, seg.DatasetID, seg.DocumentID, seg.NodeID, seg.Position, seg.Content,
				seg.CharacterCount, seg.TokenCount, keywords, seg.Hash, seg.HitCount, seg.Enabled,
				nullableTime(seg.DisabledAt), string(seg.Status), seg.Error, nullableTime(seg.ProcessingStartedAt),
				nullableTime(seg.IndexingCompletedAt), nullableTime(seg.CompletedAt), nullableTime(seg.StoppedAt),
				seg.CreatedAt, seg.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert segment %s: %w", seg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create segments: %w", err)
	}
	return nil
}

func (s *SQLSegmentStore) Get(ctx context.Context, id string) (*models.Segment, error) {
	seg, err := scanSegment(s.conn.queryRow(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

func (s *SQLSegmentStore) GetMany(ctx context.Context, ids []string) ([]*models.Segment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id IN (`+Placeholders(len(ids))+`)`, stringArgs(ids)...)
}

// Update writes every mutable column except hit_count.
func (s *SQLSegmentStore) Update(ctx context.Context, seg *models.Segment) error {
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("segment is required")
	}
	keywords, err := encodeKeywords(seg.Keywords)
	if err != nil {
		return err
	}
	seg.UpdatedAt = time.Now().UTC()
	res, err := s.conn.exec(ctx, `
		UPDATE segments SET
			position = ?, content = ?, character_count = ?, token_count = ?, keywords = ?, hash = ?,
			enabled = ?, disabled_at = ?, status = ?, error = ?, processing_started_at = ?,
			indexing_completed_at = ?, completed_at = ?, stopped_at = ?, updated_at = ?
		WHERE id = ?`,
		seg.Position, seg.Content, seg.CharacterCount, seg.TokenCount, keywords, seg.Hash,
		seg.Enabled, nullableTime(seg.DisabledAt), string(seg.Status), seg.Error, nullableTime(seg.ProcessingStartedAt),
		nullableTime(seg.IndexingCompletedAt), nullableTime(seg.CompletedAt), nullableTime(seg.StoppedAt), seg.UpdatedAt,
		seg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return expectOne(res)
}

func (s *SQLSegmentStore) ListByDocument(ctx context.Context, documentID string) ([]*models.Segment, error) {
	return s.list(ctx, `SELECT `+segmentColumns+` FROM segments WHERE document_id = ? ORDER BY position`, documentID)
}

func (s *SQLSegmentStore) list(ctx context.Context, query string, args ...any) ([]*models.Segment, error) {
	rows, err := s.conn.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()
	var out []*models.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLSegmentStore) MaxPosition(ctx context.Context, documentID string) (int, error) {
	var max int
	if err := s.conn.queryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM segments WHERE document_id = ?`, documentID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max segment position: %w", err)
	}
	return max, nil
}

func (s *SQLSegmentStore) Count(ctx context.Context, documentID string) (int, int, error) {
	var total, completed int
	err := s.conn.queryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM segments WHERE document_id = ?`, string(models.SegmentCompleted), documentID,
	).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count segments: %w", err)
	}
	return total, completed, nil
}

func (s *SQLSegmentStore) IncrementHitCount(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.conn.exec(ctx, `UPDATE segments SET hit_count = hit_count + 1 WHERE id IN (`+Placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	return nil
}

func (s *SQLSegmentStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.conn.exec(ctx, `DELETE FROM segments WHERE id IN (`+Placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return nil
}

func (s *SQLSegmentStore) DeleteByDocument(ctx context.Context, documentIDs ...string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	if _, err := s.conn.exec(ctx, `DELETE FROM segments WHERE document_id IN (`+Placeholders(len(documentIDs))+`)`, stringArgs(documentIDs)...); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return nil
}

func (s *SQLSegmentStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	if _, err := s.conn.exec(ctx, `DELETE FROM segments WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return nil
}

// SQLKeywordTableStore implements KeywordTableStore over database/sql.
type SQLKeywordTableStore struct{ conn sqlConn }

func (s *SQLKeywordTableStore) Get(ctx context.Context, datasetID string) (*models.KeywordTable, error) {
	var (
		table models.KeywordTable
		body  string
	)
	err := s.conn.queryRow(ctx, `SELECT id, dataset_id, keyword_table FROM keyword_tables WHERE dataset_id = ?`, datasetID).
		Scan(&table.ID, &table.DatasetID, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keyword table: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &table.KeywordTable); err != nil {
		return nil, fmt.Errorf("unmarshal keyword table: %w", err)
	}
	if table.KeywordTable == nil {
		table.KeywordTable = map[string][]string{}
	}
	return &table, nil
}

func (s *SQLKeywordTableStore) Save(ctx context.Context, table *models.KeywordTable) error {
	if table == nil || table.DatasetID == "" {
		return fmt.Errorf("keyword table is required")
	}
	if table.ID == "" {
		table.ID = uuid.NewString()
	}
	kt := table.KeywordTable
	if kt == nil {
		kt = map[string][]string{}
	}
	body, err := json.Marshal(kt)
	if err != nil {
		return fmt.Errorf("marshal keyword table: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.conn.exec(ctx, `
		INSERT INTO keyword_tables (id, dataset_id, keyword_table, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id) DO UPDATE SET keyword_table = excluded.keyword_table, updated_at = excluded.updated_at`,
		table.ID, table.DatasetID, string(body), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save keyword table: %w", err)
	}
	return nil
}

func (s *SQLKeywordTableStore) Delete(ctx context.Context, datasetID string) error {
	if _, err := s.conn.exec(ctx, `DELETE FROM keyword_tables WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("failed to delete keyword table: %w", err)
	}
	return nil
}

// SQLDatasetQueryStore implements DatasetQueryStore over database/sql.
type SQLDatasetQueryStore struct{ conn sqlConn }

func (s *SQLDatasetQueryStore) Create(ctx context.Context, queries ...*models.DatasetQuery) error {
	if len(queries) == 0 {
		return nil
	}
	err := s.conn.inTx(ctx, func(exec func(string, ...any) error) error {
		for _, q := range queries {
			if q == nil {
				continue
			}
			if q.ID == "" {
				q.ID = uuid.NewString()
			}
			if q.CreatedAt.IsZero() {
				q.CreatedAt = time.Now().UTC()
			}
			err := exec(`
				INSERT INTO dataset_queries (id, dataset_id, query, source, source_app_id, created_by, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				q.ID, q.DatasetID, q.Query, string(q.Source), q.SourceAppID, q.CreatedBy, q.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert dataset query: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create dataset queries: %w", err)
	}
	return nil
}

func (s *SQLDatasetQueryStore) ListByDataset(ctx context.Context, datasetID string, limit int) ([]*models.DatasetQuery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.query(ctx, `
		SELECT id, dataset_id, query, source, source_app_id, created_by, created_at
		FROM dataset_queries WHERE dataset_id = ? ORDER BY created_at DESC LIMIT ?`, datasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset queries: %w", err)
	}
	defer rows.Close()
	var out []*models.DatasetQuery
	for rows.Next() {
		var (
			q      models.DatasetQuery
			source string
		)
		if err := rows.Scan(&q.ID, &q.DatasetID, &q.Query, &source, &q.SourceAppID, &q.CreatedBy, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset query: %w", err)
		}
		q.Source = models.RetrievalSource(source)
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (s *SQLDatasetQueryStore) DeleteByDataset(ctx context.Context, datasetID string) error {
	if _, err := s.conn.exec(ctx, `DELETE FROM dataset_queries WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("failed to delete dataset queries: %w", err)
	}
	return nil
}
