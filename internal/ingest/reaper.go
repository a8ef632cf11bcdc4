package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

// EncoderStopper stops the encoder started for a specific publisher.
type EncoderStopper interface {
	StopProcess(ctx context.Context, key string, pid int) error
}

type ReaperConfig struct {
	Registry *registry.Registry
	Encoders EncoderStopper
	Store    storage.LivenessStore
	// Timeout is how long an entry may go without a heartbeat.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Reaper takes down streams whose publisher stopped sending media without
// closing the connection, or whose encoder hung.
type Reaper struct {
	registry *registry.Registry
	encoders EncoderStopper
	store    storage.LivenessStore
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Registry == nil || cfg.Encoders == nil || cfg.Store == nil {
		return nil, errors.New("reaper requires a registry, an encoder stopper and a store")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("reaper timeout must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		registry: cfg.Registry,
		encoders: cfg.Encoders,
		store:    cfg.Store,
		timeout:  cfg.Timeout,
		logger:   logging.WithComponent(logger, "reaper"),
		metrics:  cfg.Metrics,
		now:      now,
	}, nil
}

// Sweep reaps every stale stream and returns how many it took down. Entries
// are claimed out of the registry before any side effect, so overlapping
// sweeps never reap a stream twice. Leases of the surviving streams are
// renewed afterwards.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	claimed := r.registry.ClaimExpired(ctx, now, r.timeout)
	for _, entry := range claimed {
		logger := r.logger.With(logging.StreamKeyAttr(entry.Key), "owner", entry.Owner, "pid", entry.PID)
		if entry.PID > 0 {
			if err := r.encoders.StopProcess(ctx, entry.Key, entry.PID); err != nil && !errors.Is(err, transcode.ErrNotRunning) {
				logger.Error("stop stale encoder failed", "error", err)
			}
		}
		if conn := entry.Conn(); conn != nil {
			_ = conn.Close()
		}
		if err := r.store.MarkOffline(ctx, entry.Key, entry.StartedAt, now.UTC()); err != nil {
			logger.Error("mark reaped stream offline failed", "error", err)
		}
		r.metrics.StreamReaped()
		logger.Warn("reaped stale stream", "idle", now.Sub(entry.LastHeartbeat).Round(time.Second))
	}
	r.registry.RenewLeases(ctx)
	return len(claimed)
}
