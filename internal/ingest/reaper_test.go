package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

type stopCall struct {
	key string
	pid int
}

type recordingStopper struct {
	mu    sync.Mutex
	calls []stopCall
}

func (s *recordingStopper) StopProcess(_ context.Context, key string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range s.calls {
		if call.key == key && call.pid == pid {
			return transcode.ErrNotRunning
		}
	}
	s.calls = append(s.calls, stopCall{key: key, pid: pid})
	return nil
}

func (s *recordingStopper) stopped() []stopCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stopCall(nil), s.calls...)
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReaperSweepsStaleStreamOnce(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLogger(logging.Discard()))
	store := storage.NewMemoryStoreFromKeys(map[string]string{"stale": "acct-1", "fresh": "acct-2"})
	stopper := &recordingStopper{}
	ctx := context.Background()

	staleConn := &closeCounter{}
	if _, err := reg.Acquire(ctx, "stale", registry.Claim{Owner: "s1", Conn: staleConn}); err != nil {
		t.Fatalf("acquire stale: %v", err)
	}
	if err := reg.Attach(ctx, "stale", "s1", 4242); err != nil {
		t.Fatalf("attach stale: %v", err)
	}
	if err := store.MarkLive(ctx, "stale", clock.Now()); err != nil {
		t.Fatalf("mark live: %v", err)
	}
	if _, err := reg.Acquire(ctx, "fresh", registry.Claim{Owner: "s2"}); err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}

	clock.Advance(45 * time.Second)
	reg.Heartbeat("fresh", 100)
	clock.Advance(30 * time.Second)

	reaper, err := NewReaper(ReaperConfig{
		Registry: reg,
		Encoders: stopper,
		Store:    store,
		Timeout:  60 * time.Second,
		Logger:   logging.Discard(),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	var total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int32(reaper.Sweep(ctx)))
		}()
	}
	wg.Wait()
	total.Add(int32(reaper.Sweep(ctx)))

	if total.Load() != 1 {
		t.Fatalf("expected exactly one reaped stream, got %d", total.Load())
	}
	if calls := stopper.stopped(); len(calls) != 1 || calls[0] != (stopCall{key: "stale", pid: 4242}) {
		t.Fatalf("expected one stop for stale/4242, got %+v", calls)
	}
	if staleConn.n.Load() != 1 {
		t.Fatalf("expected the publisher connection closed once, got %d", staleConn.n.Load())
	}
	if reg.IsLive("stale") || !reg.IsLive("fresh") {
		t.Fatal("expected only the stale entry to be removed")
	}
	if store.IsLive("stale") {
		t.Fatal("expected store to mark the stale stream offline")
	}
	offline := 0
	for _, event := range store.History() {
		if event.Key == "stale" && !event.Live {
			offline++
			if !event.At.Equal(clock.Now().UTC()) {
				t.Fatalf("expected offline at %s, got %s", clock.Now(), event.At)
			}
		}
	}
	if offline != 1 {
		t.Fatalf("expected one offline update, got %d", offline)
	}
}

// republishingStopper lets a new publisher take the key while the reaper is
// still stopping the old encoder.
type republishingStopper struct {
	reg   *registry.Registry
	store *storage.MemoryStore
}

func (s *republishingStopper) StopProcess(ctx context.Context, key string, _ int) error {
	entry, err := s.reg.Acquire(ctx, key, registry.Claim{Owner: "s2"})
	if err != nil {
		return err
	}
	if err := s.reg.Attach(ctx, key, "s2", 5151); err != nil {
		return err
	}
	return s.store.MarkLive(ctx, key, entry.StartedAt)
}

func TestReaperLeavesRepublishedStreamLive(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLogger(logging.Discard()))
	store := storage.NewMemoryStoreFromKeys(map[string]string{"abc123": "acct-1"})
	ctx := context.Background()

	entry, err := reg.Acquire(ctx, "abc123", registry.Claim{Owner: "s1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := reg.Attach(ctx, "abc123", "s1", 4242); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := store.MarkLive(ctx, "abc123", entry.StartedAt); err != nil {
		t.Fatalf("mark live: %v", err)
	}
	clock.Advance(2 * time.Minute)

	reaper, err := NewReaper(ReaperConfig{
		Registry: reg,
		Encoders: &republishingStopper{reg: reg, store: store},
		Store:    store,
		Timeout:  time.Minute,
		Logger:   logging.Discard(),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	if n := reaper.Sweep(ctx); n != 1 {
		t.Fatalf("expected one reaped entry, got %d", n)
	}

	current, ok := reg.Get("abc123")
	if !ok || current.Owner != "s2" {
		t.Fatalf("expected the new publisher to own the key, got %+v", current)
	}
	if !store.IsLive("abc123") {
		t.Fatal("expected the republished stream to stay live after the sweep")
	}
}

func TestReaperSkipsStopWithoutEncoder(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLogger(logging.Discard()))
	stopper := &recordingStopper{}
	ctx := context.Background()

	if _, err := reg.Acquire(ctx, "pending", registry.Claim{Owner: "s1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Minute)

	reaper, err := NewReaper(ReaperConfig{
		Registry: reg,
		Encoders: stopper,
		Store:    storage.NewMemoryStore(),
		Timeout:  time.Minute,
		Logger:   logging.Discard(),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	if n := reaper.Sweep(ctx); n != 1 {
		t.Fatalf("expected one reaped entry, got %d", n)
	}
	if calls := stopper.stopped(); len(calls) != 0 {
		t.Fatalf("expected no stop without a pid, got %+v", calls)
	}
}

func TestNewReaperValidatesConfig(t *testing.T) {
	if _, err := NewReaper(ReaperConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	_, err := NewReaper(ReaperConfig{
		Registry: registry.New(),
		Encoders: &recordingStopper{},
		Store:    storage.NewMemoryStore(),
	})
	if err == nil {
		t.Fatal("expected error for missing timeout")
	}
}
