package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bitriver-ingest/internal/observability/logging"
)

var (
	// ErrAlreadyLive is returned by Acquire when another publisher holds the key.
	ErrAlreadyLive = errors.New("stream key already live")
	// ErrNotOwner is returned when an owner token does not match the registered entry.
	ErrNotOwner = errors.New("stream key held by another owner")
)

// Claim describes the publisher asking for a key.
type Claim struct {
	// Owner uniquely identifies the claimant, typically the session ID.
	Owner      string
	AccountID  string
	RemoteAddr string
	// Conn is closed when the entry is reaped.
	Conn io.Closer
}

// Entry is a snapshot of one live stream.
type Entry struct {
	Key           string
	Owner         string
	AccountID     string
	RemoteAddr    string
	PID           int
	StartedAt     time.Time
	LastHeartbeat time.Time
	Bytes         uint64

	conn io.Closer
}

// Conn returns the connection registered with the claim, if any.
func (e Entry) Conn() io.Closer { return e.conn }

// Registry tracks which stream keys are live. At most one entry exists per
// key; the first Acquire wins and later ones fail until the entry is
// released or reaped.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	lease     Lease
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithLease adds cross-instance exclusion on top of the in-process map.
func WithLease(lease Lease) Option {
	return func(r *Registry) {
		if lease != nil {
			r.lease = lease
		}
	}
}

// WithPublisher emits liveness events for each transition.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		lease:     NopLease{},
		publisher: nopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire registers key for the claimant. It fails with ErrAlreadyLive when
// the key is held locally or, with a distributed lease, by another instance.
func (r *Registry) Acquire(ctx context.Context, key string, claim Claim) (Entry, error) {
	if key == "" {
		return Entry{}, errors.New("stream key is required")
	}
	if claim.Owner == "" {
		return Entry{}, errors.New("claim owner is required")
	}
	now := r.now()
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return Entry{}, ErrAlreadyLive
	}
	entry := &Entry{
		Key:           key,
		Owner:         claim.Owner,
		AccountID:     claim.AccountID,
		RemoteAddr:    claim.RemoteAddr,
		StartedAt:     now,
		LastHeartbeat: now,
		conn:          claim.Conn,
	}
	r.entries[key] = entry
	snapshot := *entry
	r.mu.Unlock()

	acquired, err := r.lease.Acquire(ctx, key, claim.Owner)
	if err != nil || !acquired {
		r.remove(key, claim.Owner)
		if err != nil {
			return Entry{}, fmt.Errorf("acquire lease: %w", err)
		}
		return Entry{}, ErrAlreadyLive
	}
	return snapshot, nil
}

// Attach records the encoder process serving key and announces the stream.
func (r *Registry) Attach(ctx context.Context, key, owner string, pid int) error {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || entry.Owner != owner {
		r.mu.Unlock()
		return ErrNotOwner
	}
	entry.PID = pid
	snapshot := *entry
	r.mu.Unlock()

	r.publish(ctx, EventLive, snapshot)
	return nil
}

// Heartbeat refreshes the entry's last activity and adds n received bytes.
// It reports false when key is not registered.
func (r *Registry) Heartbeat(key string, n int) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	entry.LastHeartbeat = now
	if n > 0 {
		entry.Bytes += uint64(n)
	}
	return true
}

// Release removes the entry when owner still holds it. Releasing an entry
// that is gone or was re-acquired by someone else is a no-op that returns
// false, so cleanup paths may call it unconditionally.
func (r *Registry) Release(ctx context.Context, key, owner string) bool {
	entry, ok := r.remove(key, owner)
	if !ok {
		return false
	}
	r.releaseLease(ctx, entry)
	r.publish(ctx, EventOffline, entry)
	return true
}

// ClaimExpired removes and returns every entry whose last heartbeat is older
// than timeout. Each entry is returned by exactly one call.
func (r *Registry) ClaimExpired(ctx context.Context, now time.Time, timeout time.Duration) []Entry {
	r.mu.Lock()
	var claimed []Entry
	for key, entry := range r.entries {
		if now.Sub(entry.LastHeartbeat) > timeout {
			claimed = append(claimed, *entry)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	sortEntries(claimed)
	for _, entry := range claimed {
		r.releaseLease(ctx, entry)
		r.publish(ctx, EventReaped, entry)
	}
	return claimed
}

// RenewLeases extends the distributed lease of every registered entry.
func (r *Registry) RenewLeases(ctx context.Context) {
	for _, entry := range r.List() {
		if err := r.lease.Renew(ctx, entry.Key, entry.Owner); err != nil {
			r.logger.Warn("renew stream lease failed", logging.StreamKeyAttr(entry.Key), "owner", entry.Owner, "error", err)
		}
	}
}

func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

func (r *Registry) IsLive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// List returns every entry ordered by key.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	r.mu.Unlock()
	sortEntries(entries)
	return entries
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) remove(key, owner string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || entry.Owner != owner {
		return Entry{}, false
	}
	delete(r.entries, key)
	return *entry, true
}

func (r *Registry) releaseLease(ctx context.Context, entry Entry) {
	if err := r.lease.Release(ctx, entry.Key, entry.Owner); err != nil {
		r.logger.Warn("release stream lease failed", logging.StreamKeyAttr(entry.Key), "owner", entry.Owner, "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, kind string, entry Entry) {
	event := Event{
		Type:      kind,
		Key:       entry.Key,
		AccountID: entry.AccountID,
		PID:       entry.PID,
		At:        r.now().UTC(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("publish stream event failed", logging.StreamKeyAttr(entry.Key), "event", kind, "error", err)
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
