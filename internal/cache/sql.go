package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/llmops/internal/storage"
)

// SQLCache is a Cache backed by the cache_entries table, shared by every
// process that uses the same database. Expiry is stored as unix
// milliseconds; expired rows are ignored on read and removed by Purge.
type SQLCache struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewSQLCache creates a cache over an existing connection pool. The
// cache_entries table is created by the storage migrations.
func NewSQLCache(db *sql.DB, dialect storage.Dialect) (*SQLCache, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &SQLCache{db: db, dialect: dialect, now: time.Now}, nil
}

func (c *SQLCache) nowMillis() int64 {
	return c.now().UnixMilli()
}

func (c *SQLCache) expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return c.now().Add(ttl).UnixMilli()
}

func (c *SQLCache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, c.dialect.Rebind(`
		SELECT value FROM cache_entries
		WHERE cache_key = ? AND (expires_at IS NULL OR expires_at > ?)`),
		key, c.nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *SQLCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, c.dialect.Rebind(`
		INSERT INTO cache_entries (cache_key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at`),
		key, value, c.expiresAt(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetNX inserts the key, or takes over a row whose expiry has passed.
func (c *SQLCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored string
	err := c.db.QueryRowContext(ctx, c.dialect.Rebind(`
		INSERT INTO cache_entries (cache_key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at
		WHERE cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= ?
		RETURNING cache_key`),
		key, value, c.expiresAt(ttl), c.nowMillis(),
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return true, nil
}

func (c *SQLCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, c.dialect.Rebind(`DELETE FROM cache_entries WHERE cache_key = ?`), key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *SQLCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *SQLCache) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(`
		DELETE FROM cache_entries
		WHERE cache_key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`),
		key, value, c.nowMillis(),
	)
	if err != nil {
		return false, fmt.Errorf("cache compare-and-delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Purge deletes expired rows.
func (c *SQLCache) Purge(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(`
		DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`),
		c.nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return int(n), nil
}
