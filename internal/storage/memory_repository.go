package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LivenessEvent is one MarkLive or MarkOffline call recorded by MemoryStore.
type LivenessEvent struct {
	Key  string
	Live bool
	At   time.Time
}

type memoryStream struct {
	identity  StreamIdentity
	live      bool
	startedAt time.Time
	endedAt   time.Time
}

type memoryKey struct {
	accountID string
	streamKey string
	active    bool
	lastUsed  time.Time
}

// MemoryStore keeps streams and RTMP keys in process memory. It backs the
// development mode that runs without Postgres and the gateway's tests.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	keys    map[string]*memoryKey
	history []LivenessEvent
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		keys:    make(map[string]*memoryKey),
	}
}

// NewMemoryStoreFromKeys creates one stream per key, owned by the mapped account.
func NewMemoryStoreFromKeys(keys map[string]string) *MemoryStore {
	store := NewMemoryStore()
	names := make([]string, 0, len(keys))
	for key := range keys {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		store.AddStream(key, keys[key], "")
	}
	return store
}

// AddStream registers a stream whose own key may be used to publish.
func (m *MemoryStore) AddStream(key, accountID, title string) StreamIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	identity := StreamIdentity{Key: key, AccountID: accountID, StreamID: m.nextID, Title: title, Source: SourceStream}
	m.streams[key] = &memoryStream{identity: identity}
	return identity
}

// AddRTMPKey registers an RTMP key, optionally bound to an existing stream key.
func (m *MemoryStore) AddRTMPKey(key, accountID, streamKey string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = &memoryKey{accountID: accountID, streamKey: streamKey, active: active}
}

func (m *MemoryStore) LookupKey(_ context.Context, key string) (StreamIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.keys[key]; ok && k.active {
		identity := StreamIdentity{Key: key, AccountID: k.accountID, Source: SourceRTMPKey}
		if stream, ok := m.streams[k.streamKey]; ok {
			identity.StreamID = stream.identity.StreamID
			identity.Title = stream.identity.Title
		}
		return identity, nil
	}
	if stream, ok := m.streams[key]; ok {
		return stream.identity, nil
	}
	return StreamIdentity{}, ErrKeyNotFound
}

func (m *MemoryStore) MarkLive(_ context.Context, key string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stream := m.streamFor(key); stream != nil {
		stream.live = true
		stream.startedAt = startedAt
		stream.endedAt = time.Time{}
	}
	if k, ok := m.keys[key]; ok {
		k.lastUsed = startedAt
	}
	m.history = append(m.history, LivenessEvent{Key: key, Live: true, At: startedAt})
	return nil
}

func (m *MemoryStore) MarkOffline(_ context.Context, key string, startedAt, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streamFor(key)
	if stream != nil && stream.startedAt.After(startedAt) {
		return nil
	}
	if stream != nil {
		stream.live = false
		stream.endedAt = endedAt
	}
	if k, ok := m.keys[key]; ok {
		k.lastUsed = endedAt
	}
	m.history = append(m.history, LivenessEvent{Key: key, Live: false, At: endedAt})
	return nil
}

func (m *MemoryStore) ResetLive(_ context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, stream := range m.streams {
		if stream.live {
			stream.live = false
			stream.endedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }

// IsLive reports the live flag of the stream behind key.
func (m *MemoryStore) IsLive(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream := m.streamFor(key)
	return stream != nil && stream.live
}

// History returns a copy of every liveness change in call order.
func (m *MemoryStore) History() []LivenessEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LivenessEvent(nil), m.history...)
}

// streamFor must be called with m.mu held.
func (m *MemoryStore) streamFor(key string) *memoryStream {
	if k, ok := m.keys[key]; ok {
		if stream, ok := m.streams[k.streamKey]; ok {
			return stream
		}
	}
	return m.streams[key]
}
