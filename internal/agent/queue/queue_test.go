package queue

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/pkg/models"
)

func testConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		PingInterval: 40 * time.Millisecond,
		Timeout:      200 * time.Millisecond,
		BelongTTL:    time.Minute,
		StopTTL:      time.Minute,
	}
}

func collect(t *testing.T, events <-chan models.AgentEvent) []models.AgentEvent {
	t.Helper()
	var got []models.AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("listener did not finish; got %d events", len(got))
		}
	}
}

func kinds(events []models.AgentEvent) []models.AgentEventKind {
	out := make([]models.AgentEventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func TestManager_PublishOrder(t *testing.T) {
	c := cache.NewMemoryCache(cache.MemoryCacheOptions{})
	m := NewManager(c, testConfig(), nil)
	ctx := context.Background()

	m.Bind("task-1", "web_app", "user-1")
	events := m.Listen(ctx, "task-1")
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventThought, Thought: "a"})
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventMessage, Answer: "b"})
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventEnd})
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventMessage, Answer: "late"})

	got := collect(t, events)
	want := []models.AgentEventKind{models.AgentEventThought, models.AgentEventMessage, models.AgentEventEnd}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Event != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i].Event, want[i])
		}
		if got[i].TaskID != "task-1" || got[i].ID == "" || got[i].CreatedAt.IsZero() {
			t.Errorf("event %d missing task id, id or timestamp: %+v", i, got[i])
		}
	}

	owner, ok, _ := c.Get(ctx, BelongKey("task-1"))
	if !ok || owner != "web_app-user-1" {
		t.Errorf("belong key = %q (%t), want web_app-user-1", owner, ok)
	}
}

func TestManager_PublishAfterFinishIsDropped(t *testing.T) {
	m := NewManager(cache.NewMemoryCache(cache.MemoryCacheOptions{}), testConfig(), nil)
	events := m.Listen(context.Background(), "task-1")
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventError, Observation: "boom"})
	collect(t, events)

	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventMessage})
	m.mu.Lock()
	n := len(m.queues)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d queues registered after task finished", n)
	}
}

func TestManager_PingThenTimeout(t *testing.T) {
	cfg := testConfig()
	m := NewManager(cache.NewMemoryCache(cache.MemoryCacheOptions{}), cfg, nil)

	start := time.Now()
	got := collect(t, m.Listen(context.Background(), "idle"))
	elapsed := time.Since(start)

	if len(got) == 0 || got[len(got)-1].Event != models.AgentEventTimeout {
		t.Fatalf("events = %v, want trailing timeout", kinds(got))
	}
	if elapsed < cfg.Timeout {
		t.Errorf("timed out after %s, want at least %s", elapsed, cfg.Timeout)
	}

	var pings int
	last := start
	for _, ev := range got[:len(got)-1] {
		if ev.Event != models.AgentEventPing {
			t.Fatalf("unexpected %s before timeout", ev.Event)
		}
		pings++
		// Allow generous scheduling slack between heartbeats.
		if gap := ev.CreatedAt.Sub(last); gap > 3*cfg.PingInterval {
			t.Errorf("ping gap %s exceeds heartbeat interval", gap)
		}
		last = ev.CreatedAt
	}
	if want := int(cfg.Timeout/cfg.PingInterval) - 1; pings < want {
		t.Errorf("got %d pings, want at least %d", pings, want)
	}
}

func TestManager_RequestStop(t *testing.T) {
	c := cache.NewMemoryCache(cache.MemoryCacheOptions{})
	cfg := testConfig()
	cfg.Timeout = time.Minute
	m := NewManager(c, cfg, nil)
	ctx := context.Background()

	m.Bind("task-1", "web_app", "owner")
	events := m.Listen(ctx, "task-1")
	m.Publish("task-1", models.AgentEvent{Event: models.AgentEventThought})

	if err := m.RequestStop(ctx, "task-1", "web_app", "intruder"); err != nil {
		t.Fatalf("RequestStop(intruder): %v", err)
	}
	if m.Stopped(ctx, "task-1") {
		t.Fatal("non-owner stop was recorded")
	}

	if err := m.RequestStop(ctx, "task-1", "web_app", "owner"); err != nil {
		t.Fatalf("RequestStop(owner): %v", err)
	}
	if !m.Stopped(ctx, "task-1") {
		t.Fatal("owner stop not recorded")
	}

	got := collect(t, events)
	if len(got) < 2 || got[0].Event != models.AgentEventThought || got[len(got)-1].Event != models.AgentEventStop {
		t.Fatalf("events = %v, want thought ... stop", kinds(got))
	}
}

func TestManager_ListenCancelled(t *testing.T) {
	m := NewManager(cache.NewMemoryCache(cache.MemoryCacheOptions{}), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := m.Listen(ctx, "task-1")
	cancel()

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues["task-1"]; ok {
		t.Error("queue still registered after cancel")
	}
}
