package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Event types emitted on stream transitions.
const (
	EventLive    = "live"
	EventOffline = "offline"
	EventReaped  = "reaped"
)

// Event announces a stream liveness transition.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	AccountID string    `json:"accountId,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers liveness events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// RedisPublisher appends events to a capped Redis stream so web and
// notification workers can follow stream liveness.
type RedisPublisher struct {
	client   redis.UniversalClient
	stream   string
	instance string
	maxLen   int64
}

const defaultEventStream = "bitriver:ingest:events"

func NewRedisPublisher(client redis.UniversalClient, stream, instance string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = defaultEventStream
	}
	return &RedisPublisher{client: client, stream: stream, instance: instance, maxLen: 10000}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.Instance == "" {
		event.Instance = p.instance
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}
