package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/llmops/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(MemoryCacheOptions{Now: clock.Now})

	if err := c.Set(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Set(ctx, "forever", "x", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if v, ok, _ := c.Get(ctx, "a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}

	clock.Advance(time.Minute)
	if ok, _ := c.Exists(ctx, "a"); ok {
		t.Fatal("expected key to expire at its deadline")
	}
	if ok, _ := c.Exists(ctx, "forever"); !ok {
		t.Fatal("key without ttl expired")
	}
}

func TestMemoryCache_SetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(MemoryCacheOptions{Now: clock.Now})

	ok, _ := c.SetNX(ctx, "k", "first", time.Second)
	if !ok {
		t.Fatal("SetNX on absent key should succeed")
	}
	ok, _ = c.SetNX(ctx, "k", "second", time.Second)
	if ok {
		t.Fatal("SetNX on live key should fail")
	}

	if deleted, _ := c.CompareAndDelete(ctx, "k", "second"); deleted {
		t.Fatal("CompareAndDelete with wrong value deleted the key")
	}

	clock.Advance(2 * time.Second)
	ok, _ = c.SetNX(ctx, "k", "third", time.Second)
	if !ok {
		t.Fatal("SetNX should take over an expired key")
	}
	if deleted, _ := c.CompareAndDelete(ctx, "k", "third"); !deleted {
		t.Fatal("CompareAndDelete with matching value failed")
	}
}

func TestMemoryCache_Purge(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(MemoryCacheOptions{Now: clock.Now})

	_ = c.Set(ctx, "short", "1", time.Second)
	_ = c.Set(ctx, "long", "1", time.Hour)
	clock.Advance(time.Minute)

	n, err := c.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Purge() = %d, %v; want 1", n, err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestLocker_TryLockFailsFast(t *testing.T) {
	ctx := context.Background()
	contended := 0
	locker := NewLocker(NewMemoryCache(MemoryCacheOptions{}), LockerOptions{
		OnContention: func(string) { contended++ },
	})

	lock, err := locker.TryLock(ctx, DocumentEnabledLockKey("doc-1"), LockExpireTime)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if _, err := locker.TryLock(ctx, DocumentEnabledLockKey("doc-1"), LockExpireTime); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second TryLock() error = %v, want ErrLockBusy", err)
	}
	if contended != 1 {
		t.Fatalf("contention hook called %d times", contended)
	}
	if _, err := locker.TryLock(ctx, DocumentEnabledLockKey("doc-2"), LockExpireTime); err != nil {
		t.Fatalf("independent key contended: %v", err)
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if held, _ := locker.Held(ctx, DocumentEnabledLockKey("doc-1")); held {
		t.Fatal("lock still held after Unlock")
	}
}

func TestLocker_LockWaitsThenGivesUp(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(NewMemoryCache(MemoryCacheOptions{}), LockerOptions{
		Wait:         60 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	held, err := locker.Lock(ctx, KeywordTableLockKey("ds-1"), time.Minute)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	start := time.Now()
	if _, err := locker.Lock(ctx, KeywordTableLockKey("ds-1"), time.Minute); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("Lock() error = %v, want ErrLockBusy", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("Lock() gave up after %v", elapsed)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = held.Unlock(ctx)
	}()
	if _, err := locker.Lock(ctx, KeywordTableLockKey("ds-1"), time.Minute); err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
}

func TestLockKeys(t *testing.T) {
	if got := DocumentEnabledLockKey("d1"); got != "lock:document:update:enabled_d1" {
		t.Errorf("DocumentEnabledLockKey = %q", got)
	}
	if got := KeywordTableLockKey("ds"); got != "lock:keyword_table:update:keyword_table_ds" {
		t.Errorf("KeywordTableLockKey = %q", got)
	}
	if got := SegmentEnabledLockKey("s1"); got != "lock:segment:update:enabled_s1" {
		t.Errorf("SegmentEnabledLockKey = %q", got)
	}
}

func newMockSQLCache(t *testing.T) (*SQLCache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c, err := NewSQLCache(db, storage.DialectPostgres)
	if err != nil {
		t.Fatalf("NewSQLCache() error = %v", err)
	}
	c.now = func() time.Time { return time.UnixMilli(1_000) }
	return c, mock
}

func TestSQLCache_SetNX(t *testing.T) {
	c, mock := newMockSQLCache(t)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING cache_key")).
		WithArgs("lock:x", "tok", int64(61_000), int64(1_000)).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}).AddRow("lock:x"))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING cache_key")).
		WithArgs("lock:x", "tok2", int64(61_000), int64(1_000)).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}))

	ok, err := c.SetNX(context.Background(), "lock:x", "tok", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX() = %v, %v; want true", ok, err)
	}
	ok, err = c.SetNX(context.Background(), "lock:x", "tok2", time.Minute)
	if err != nil || ok {
		t.Fatalf("SetNX() on held key = %v, %v; want false", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLCache_GetIgnoresExpired(t *testing.T) {
	c, mock := newMockSQLCache(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM cache_entries WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > $2)")).
		WithArgs("k", int64(1_000)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, ok, err := c.Get(context.Background(), "k")
	if err != nil || ok {
		t.Fatalf("Get() = %v, %v; want miss", ok, err)
	}
}

func TestSQLCache_SetWithoutTTLStoresNull(t *testing.T) {
	c, mock := newMockSQLCache(t)

	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs("k", "v", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := c.Set(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLCache_Purge(t *testing.T) {
	c, mock := newMockSQLCache(t)

	mock.ExpectExec("DELETE FROM cache_entries WHERE expires_at IS NOT NULL").
		WithArgs(int64(1_000)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := c.Purge(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Purge() = %d, %v; want 3", n, err)
	}
}
