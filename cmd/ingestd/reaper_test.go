package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitriver-ingest/internal/observability/logging"
)

type fakeSweeper struct {
	calls   chan struct{}
	total   atomic.Int32
	reaped  int
	advance func()
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{calls: make(chan struct{}, 1), reaped: 1}
}

func (f *fakeSweeper) Sweep(context.Context) int {
	if f.advance != nil {
		f.advance()
	}
	f.total.Add(1)
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.reaped
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time { return m.c }

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestWorker(logger *slog.Logger, reaper sweeper, ticker reapTicker, clock *stepClock) *reaperWorker {
	return &reaperWorker{
		logger:    logger,
		reaper:    reaper,
		interval:  time.Second,
		newTicker: func(time.Duration) reapTicker { return ticker },
		now:       clock.Now,
	}
}

func waitForSweep(t *testing.T, reaper *fakeSweeper) {
	t.Helper()
	select {
	case <-reaper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}
}

func TestStartReaperWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	reaper := newFakeSweeper()
	clock := &stepClock{now: time.Unix(0, 0)}
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	reaper.advance = func() { clock.Advance(250 * time.Millisecond) }

	stop := newTestWorker(logger, reaper, ticker, clock).start(ctx)

	ticker.Tick()
	waitForSweep(t, reaper)

	stop()
	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to be stopped")
	}
	stop()

	if got := reaper.total.Load(); got != 1 {
		t.Fatalf("expected one sweep, got %d", got)
	}
	out := logs.String()
	if !strings.Contains(out, "reaped stale streams") || !strings.Contains(out, "duration=250ms") {
		t.Fatalf("expected timed sweep log, got %q", out)
	}
}

func TestReaperWorkerReportsOverrun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	reaper := newFakeSweeper()
	reaper.reaped = 0
	clock := &stepClock{now: time.Unix(0, 0)}
	reaper.advance = func() { clock.Advance(3 * time.Second) }
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	stop := newTestWorker(logger, reaper, ticker, clock).start(ctx)
	ticker.Tick()
	waitForSweep(t, reaper)
	stop()

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "reaper sweep overran its interval") || !strings.Contains(out, "duration=3s") {
		t.Fatalf("expected overrun warning, got %q", out)
	}
}

func TestStartReaperWorkerDisabled(t *testing.T) {
	stop := startReaperWorker(context.Background(), nil, nil, time.Second)
	stop()

	reaper := newFakeSweeper()
	stop = startReaperWorker(context.Background(), logging.Discard(), reaper, 0)
	stop()
	if reaper.total.Load() != 0 {
		t.Fatal("expected no sweeps when the interval is zero")
	}
}
