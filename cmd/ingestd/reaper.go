package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bitriver-ingest/internal/observability/logging"
)

type sweeper interface {
	Sweep(ctx context.Context) int
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

// reaperWorker drives Reaper.Sweep on a ticker. A sweep waits out the stop
// grace of every hung encoder it reaps, so each one is timed and a sweep
// that outlasts the interval is reported: ticks that arrive meanwhile are
// dropped and stale streams stay up longer than configured.
type reaperWorker struct {
	logger    *slog.Logger
	reaper    sweeper
	interval  time.Duration
	newTicker func(time.Duration) reapTicker
	now       func() time.Time
}

func startReaperWorker(ctx context.Context, logger *slog.Logger, reaper sweeper, interval time.Duration) func() {
	w := &reaperWorker{
		logger:   logger,
		reaper:   reaper,
		interval: interval,
		newTicker: func(d time.Duration) reapTicker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: time.Now,
	}
	return w.start(ctx)
}

func (w *reaperWorker) start(ctx context.Context) func() {
	if w.reaper == nil || w.interval <= 0 {
		return func() {}
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := w.newTicker(w.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				w.sweep(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (w *reaperWorker) sweep(ctx context.Context) {
	started := w.now()
	n := w.reaper.Sweep(ctx)
	elapsed := w.now().Sub(started)

	switch {
	case elapsed > w.interval:
		w.logger.Warn("reaper sweep overran its interval", "count", n, "duration", elapsed, "interval", w.interval)
	case n > 0:
		w.logger.Info("reaped stale streams", "count", n, "duration", elapsed)
	default:
		w.logger.Debug("reaper sweep finished", "duration", elapsed)
	}
}
