package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/llmops/internal/backoff"
	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/observability"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.Backoff = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	return cfg
}

func TestExecutor_RunsSubmittedTasks(t *testing.T) {
	e := NewExecutor(fastConfig())
	e.Start(context.Background())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := e.Submit(context.Background(), Task{
			Name: "count",
			Run: func(ctx context.Context) error {
				defer wg.Done()
				count.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := count.Load(); got != 10 {
		t.Fatalf("ran %d tasks, want 10", got)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	e := NewExecutor(fastConfig()).WithMetrics(metrics)
	e.Start(context.Background())

	var calls atomic.Int32
	done := make(chan struct{})
	err := e.Submit(context.Background(), Task{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not succeed")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.TaskCounter.WithLabelValues("flaky", "retry")); got != 2 {
		t.Fatalf("retry count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.TaskCounter.WithLabelValues("flaky", "success")); got != 1 {
		t.Fatalf("success count = %v, want 1", got)
	}
}

func TestExecutor_PermanentErrorNotRetried(t *testing.T) {
	e := NewExecutor(fastConfig())
	e.Start(context.Background())

	var calls atomic.Int32
	_ = e.Submit(context.Background(), Task{
		Name: "bad",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return backoff.Permanent(errors.New("invalid"))
		},
	})
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestExecutor_SurvivesPanic(t *testing.T) {
	e := NewExecutor(fastConfig())
	e.Start(context.Background())

	ran := make(chan struct{})
	_ = e.Submit(context.Background(), Task{Name: "panics", MaxAttempts: 1, Run: func(context.Context) error { panic("boom") }})
	_ = e.Submit(context.Background(), Task{Name: "after", Run: func(context.Context) error { close(ran); return nil }})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("executor stopped processing after a panic")
	}
	_ = e.Stop(context.Background())
}

func TestExecutor_SubmitAfterStop(t *testing.T) {
	e := NewExecutor(fastConfig())
	e.Start(context.Background())
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := e.Submit(context.Background(), Task{Name: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Stop = %v, want ErrClosed", err)
	}
}

func TestExecutor_InvalidTask(t *testing.T) {
	e := NewExecutor(fastConfig())
	if err := e.Submit(context.Background(), Task{Name: "no-run"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Submit = %v, want ErrInvalidTask", err)
	}
}

func TestInline_ReturnsFinalError(t *testing.T) {
	in := &Inline{MaxAttempts: 2, Backoff: backoff.Policy{Initial: time.Millisecond}}
	calls := 0
	boom := errors.New("boom")
	err := in.Submit(context.Background(), Task{Name: "fail", Run: func(context.Context) error {
		calls++
		return boom
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("Submit = %v, want boom", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "0 */10 * * * *", "@every 1m", "@hourly"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	if err := ValidateSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestScheduler_RunsSweep(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mc := cache.NewMemoryCache(cache.MemoryCacheOptions{Now: clock})
	ctx := context.Background()
	if err := mc.Set(ctx, "stale", "v", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	s := NewScheduler(nil)
	if err := s.Add("@every 1s", SweepTask(mc, nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(ctx)
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mc.Len() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expired entry was not swept")
}
