package storage

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a presented key matches neither an active
// RTMP key nor a stream's own key.
var ErrKeyNotFound = errors.New("stream key not found")

// Key sources reported on StreamIdentity.
const (
	SourceRTMPKey = "rtmp_key"
	SourceStream  = "stream"
)

// StreamIdentity is what a presented stream key resolves to.
type StreamIdentity struct {
	Key       string
	AccountID string
	StreamID  int64
	Title     string
	Source    string
}

// KeyStore looks up the owner of a stream key.
type KeyStore interface {
	LookupKey(ctx context.Context, key string) (StreamIdentity, error)
}

// LivenessStore records when a stream goes live and offline.
type LivenessStore interface {
	MarkLive(ctx context.Context, key string, startedAt time.Time) error
	// MarkOffline only ends the run that began at startedAt; a stream
	// marked live again since then is left untouched.
	MarkOffline(ctx context.Context, key string, startedAt, endedAt time.Time) error
}

// Store is the full persistence contract the gateway depends on.
type Store interface {
	KeyStore
	LivenessStore
	// ResetLive marks every stream offline. It runs once at startup on
	// single-instance deployments to clear flags left by a crash.
	ResetLive(ctx context.Context, at time.Time) (int64, error)
	Close(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
