package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS streams (
	id BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	stream_key TEXT NOT NULL UNIQUE,
	is_live BOOLEAN NOT NULL DEFAULT FALSE,
	viewer_count INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS rtmp_keys (
	id BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL,
	key_name TEXT NOT NULL DEFAULT '',
	rtmp_key TEXT NOT NULL UNIQUE,
	stream_id BIGINT REFERENCES streams(id) ON DELETE SET NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS streams_is_live_idx ON streams (is_live) WHERE is_live`,
}

// EnsureSchema creates the tables the gateway reads and writes when they do
// not exist yet. Existing tables are left untouched.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)
	for _, statement := range schemaStatements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
