package keywordtable

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

func newTestService(t *testing.T) (*Service, storage.StoreSet, *cache.Locker) {
	t.Helper()
	stores := storage.NewMemoryStoreSet()
	locker := cache.NewLocker(cache.NewMemoryCache(cache.MemoryCacheOptions{}), cache.LockerOptions{
		Wait:         200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	return New(stores.KeywordTables, stores.Segments, locker, nil), stores, locker
}

func TestService_GetOrCreate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "ds-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := svc.GetOrCreate(ctx, "ds-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("GetOrCreate() ids = %q, %q", first.ID, second.ID)
	}
}

func TestService_AddLoadsSegmentKeywords(t *testing.T) {
	svc, stores, _ := newTestService(t)
	ctx := context.Background()

	segs := []*models.Segment{
		{ID: "s1", DatasetID: "ds-1", DocumentID: "d1", Keywords: []string{"agent", "tool"}},
		{ID: "s2", DatasetID: "ds-1", DocumentID: "d1", Keywords: []string{"agent"}},
	}
	if err := stores.Segments.Create(ctx, segs...); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Add(ctx, "ds-1", []string{"s1", "s2"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	table, _ := svc.GetOrCreate(ctx, "ds-1")
	want := map[string][]string{"agent": {"s1", "s2"}, "tool": {"s1"}}
	if !reflect.DeepEqual(table.KeywordTable, want) {
		t.Fatalf("table = %v, want %v", table.KeywordTable, want)
	}
}

func TestService_AddRemoveCommuteForDisjointSets(t *testing.T) {
	ctx := context.Background()
	base := map[string][]string{"s0": {"agent"}}
	a := map[string][]string{"s1": {"agent", "tool"}}
	b := []string{"s0"}

	run := func(order string) map[string][]string {
		svc, _, _ := newTestService(t)
		if err := svc.AddKeywords(ctx, "ds", base); err != nil {
			t.Fatalf("AddKeywords() error = %v", err)
		}
		if order == "add-first" {
			_ = svc.AddKeywords(ctx, "ds", a)
			_ = svc.Remove(ctx, "ds", b)
		} else {
			_ = svc.Remove(ctx, "ds", b)
			_ = svc.AddKeywords(ctx, "ds", a)
		}
		table, _ := svc.GetOrCreate(ctx, "ds")
		return table.KeywordTable
	}

	x, y := run("add-first"), run("remove-first")
	if !reflect.DeepEqual(x, y) {
		t.Fatalf("add/remove do not commute: %v vs %v", x, y)
	}
	for kw, ids := range x {
		if len(ids) == 0 {
			t.Fatalf("keyword %q left with no segments", kw)
		}
	}
}

func TestService_RemoveDropsEmptyKeywords(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_ = svc.AddKeywords(ctx, "ds", map[string][]string{"s1": {"only"}, "s2": {"shared"}, "s3": {"shared"}})
	if err := svc.Remove(ctx, "ds", []string{"s1", "s2"}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	table, _ := svc.GetOrCreate(ctx, "ds")
	want := map[string][]string{"shared": {"s3"}}
	if !reflect.DeepEqual(table.KeywordTable, want) {
		t.Fatalf("table = %v, want %v", table.KeywordTable, want)
	}
}

func TestService_ConcurrentAddsSerialize(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := svc.AddKeywords(ctx, "ds", map[string][]string{id: {"kw"}}); err != nil {
				t.Errorf("AddKeywords() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	table, _ := svc.GetOrCreate(ctx, "ds")
	if got := len(table.KeywordTable["kw"]); got != 8 {
		t.Fatalf("lost update: %d segment ids, want 8", got)
	}
}

func TestService_BusyLockFails(t *testing.T) {
	svc, _, locker := newTestService(t)
	ctx := context.Background()

	if _, err := locker.TryLock(ctx, cache.KeywordTableLockKey("ds"), time.Minute); err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	err := svc.AddKeywords(ctx, "ds", map[string][]string{"s1": {"kw"}})
	if !errors.Is(err, cache.ErrLockBusy) {
		t.Fatalf("AddKeywords() error = %v, want ErrLockBusy", err)
	}
	// Other datasets are unaffected.
	if err := svc.AddKeywords(ctx, "other", map[string][]string{"s1": {"kw"}}); err != nil {
		t.Fatalf("AddKeywords(other) error = %v", err)
	}
}
