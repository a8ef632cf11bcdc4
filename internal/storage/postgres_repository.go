package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPostgresUnavailable is returned by a store whose pool is closed or missing.
var ErrPostgresUnavailable = errors.New("postgres store unavailable")

// PostgresStore resolves stream keys and records liveness in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens a pooled connection to Postgres and, when
// configured, creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, cfg: cfg}
	if cfg.ApplySchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// Close releases the pool, giving up when ctx expires first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	return s.pool.Ping(ctx)
}

const (
	lookupRTMPKeySQL = `
SELECT k.rtmp_key, k.account_id, COALESCE(k.stream_id, 0), COALESCE(s.title, '')
FROM rtmp_keys k
LEFT JOIN streams s ON s.id = k.stream_id
WHERE k.rtmp_key = $1 AND k.is_active`

	lookupStreamKeySQL = `
SELECT stream_key, account_id, id, title
FROM streams
WHERE stream_key = $1`

	markLiveSQL = `
UPDATE streams
SET is_live = TRUE, started_at = $2, ended_at = NULL, viewer_count = 0
WHERE stream_key = $1
   OR id IN (SELECT stream_id FROM rtmp_keys WHERE rtmp_key = $1 AND stream_id IS NOT NULL)`

	markOfflineSQL = `
UPDATE streams
SET is_live = FALSE, ended_at = $2, viewer_count = 0
WHERE (started_at IS NULL OR started_at <= $3)
  AND (stream_key = $1
   OR id IN (SELECT stream_id FROM rtmp_keys WHERE rtmp_key = $1 AND stream_id IS NOT NULL))`

	touchRTMPKeySQL = `UPDATE rtmp_keys SET last_used = $2 WHERE rtmp_key = $1`

	resetLiveSQL = `UPDATE streams SET is_live = FALSE, ended_at = $1, viewer_count = 0 WHERE is_live`
)

// LookupKey resolves key against active RTMP keys first, then against the
// keys streams carry themselves.
func (s *PostgresStore) LookupKey(ctx context.Context, key string) (StreamIdentity, error) {
	if s == nil || s.pool == nil {
		return StreamIdentity{}, ErrPostgresUnavailable
	}
	var identity StreamIdentity
	err := s.pool.QueryRow(ctx, lookupRTMPKeySQL, key).Scan(&identity.Key, &identity.AccountID, &identity.StreamID, &identity.Title)
	if err == nil {
		identity.Source = SourceRTMPKey
		return identity, nil
	}
	if !isNoRows(err) {
		return StreamIdentity{}, fmt.Errorf("lookup rtmp key: %w", err)
	}

	err = s.pool.QueryRow(ctx, lookupStreamKeySQL, key).Scan(&identity.Key, &identity.AccountID, &identity.StreamID, &identity.Title)
	if err != nil {
		if isNoRows(err) {
			return StreamIdentity{}, ErrKeyNotFound
		}
		return StreamIdentity{}, fmt.Errorf("lookup stream key: %w", err)
	}
	identity.Source = SourceStream
	return identity, nil
}

// MarkLive flags the stream behind key as live and stamps the RTMP key as used.
func (s *PostgresStore) MarkLive(ctx context.Context, key string, startedAt time.Time) error {
	return s.updateLiveness(ctx, markLiveSQL, key, startedAt)
}

// MarkOffline clears the live flag and records the end time, unless the
// stream went live again after startedAt.
func (s *PostgresStore) MarkOffline(ctx context.Context, key string, startedAt, endedAt time.Time) error {
	return s.updateLiveness(ctx, markOfflineSQL, key, endedAt, startedAt.UTC())
}

func (s *PostgresStore) updateLiveness(ctx context.Context, statement, key string, at time.Time, extra ...any) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin liveness transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	args := append([]any{key, at.UTC()}, extra...)
	if _, err := tx.Exec(ctx, statement, args...); err != nil {
		return fmt.Errorf("update stream liveness: %w", err)
	}
	if _, err := tx.Exec(ctx, touchRTMPKeySQL, key, at.UTC()); err != nil {
		return fmt.Errorf("touch rtmp key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit liveness transaction: %w", err)
	}
	return nil
}

// ResetLive marks every live stream offline and reports how many changed.
func (s *PostgresStore) ResetLive(ctx context.Context, at time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrPostgresUnavailable
	}
	tag, err := s.pool.Exec(ctx, resetLiveSQL, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset live streams: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
