package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LockerOptions configures a Locker.
type LockerOptions struct {
	// Wait bounds how long Lock retries a busy key. Default: 10s
	Wait time.Duration
	// PollInterval is the delay between retries. Default: 50ms
	PollInterval time.Duration
	// OnContention is called each time an acquisition finds the key held.
	OnContention func(key string)
	Logger       *slog.Logger
}

// Locker implements TTL locks on top of a Cache. A lock is a key whose
// value is a random token; only the token holder releases it, and a
// crashed holder's lock lapses after its TTL.
type Locker struct {
	cache  Cache
	opts   LockerOptions
	logger *slog.Logger
}

// NewLocker creates a locker over c.
func NewLocker(c Cache, opts LockerOptions) *Locker {
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "locker")
	}
	return &Locker{cache: c, opts: opts, logger: logger}
}

// Lock is a held lock.
type Lock struct {
	Key   string
	token string
	cache Cache
}

// TryLock acquires key once and fails with ErrLockBusy if it is held.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		if l.opts.OnContention != nil {
			l.opts.OnContention(key)
		}
		return nil, ErrLockBusy
	}
	return &Lock{Key: key, token: token, cache: l.cache}, nil
}

// Lock acquires key, retrying for up to the configured wait.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	deadline := time.Now().Add(l.opts.Wait)
	for {
		lock, err := l.TryLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return nil, err
		}
		if time.Now().After(deadline) {
			l.logger.Warn("lock wait exhausted", "key", key, "wait", l.opts.Wait)
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.opts.PollInterval):
		}
	}
}

// Held reports whether key is currently locked by anyone.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	return l.cache.Exists(ctx, key)
}

// Release deletes key regardless of holder. It is used by background tasks
// that finish work started under a lock taken by another process.
func (l *Locker) Release(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}

// Unlock releases the lock if it is still held by this token. A lock that
// already expired and was taken over is left alone.
func (lk *Lock) Unlock(ctx context.Context) error {
	if lk == nil {
		return nil
	}
	_, err := lk.cache.CompareAndDelete(ctx, lk.Key, lk.token)
	return err
}

// Token returns the value stored under the lock key.
func (lk *Lock) Token() string {
	return lk.token
}
