// Package cache provides the shared key-value cache used for cross-worker
// coordination: task ownership, stop flags and TTL locks.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrLockBusy is returned when a lock is held by someone else.
var ErrLockBusy = errors.New("lock busy")

// Cache is a string key-value store with per-key expiry.
//
// A ttl <= 0 stores the key without expiry. Expired keys behave as absent.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the key only if it is absent or expired and reports
	// whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// CompareAndDelete deletes the key only while it holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Purger is implemented by caches that keep expired entries until swept.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}
