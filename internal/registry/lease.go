package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Lease provides exclusion for a stream key across gateway instances.
type Lease interface {
	// Acquire takes the lease for owner, reporting false when another owner holds it.
	Acquire(ctx context.Context, key, owner string) (bool, error)
	// Renew extends a lease owner still holds.
	Renew(ctx context.Context, key, owner string) error
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// NopLease always grants; the in-process map is the only exclusion.
type NopLease struct{}

func (NopLease) Acquire(context.Context, string, string) (bool, error) { return true, nil }

func (NopLease) Renew(context.Context, string, string) error { return nil }

func (NopLease) Release(context.Context, string, string) error { return nil }

// ErrLeaseLost is returned by Renew when the lease expired or changed hands.
var ErrLeaseLost = errors.New("stream lease lost")

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisLease stores one key per live stream with SET NX PX. Renew and
// Release only touch keys whose value is still the caller's owner token.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

const defaultLeasePrefix = "bitriver:ingest:live:"

func NewRedisLease(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	return &RedisLease{client: client, prefix: prefix, ttl: ttl}, nil
}

func (l *RedisLease) Acquire(ctx context.Context, key, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Renew(ctx context.Context, key, owner string) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.prefix + key}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// RedisOptions configures the shared Redis client.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient builds the client used by RedisLease and RedisPublisher and
// verifies it can reach the server.
func NewRedisClient(ctx context.Context, opts RedisOptions) (redis.UniversalClient, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
