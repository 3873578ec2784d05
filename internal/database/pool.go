package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/errcatcher/internal/config"
)

// Schema creates the events table. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id              UUID PRIMARY KEY,
	integration_id  TEXT NOT NULL,
	title           TEXT NOT NULL,
	type            TEXT NOT NULL DEFAULT '',
	release         TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	catcher_type    TEXT NOT NULL,
	catcher_version TEXT NOT NULL DEFAULT '',
	occurred_at     BIGINT NOT NULL,
	received_at     BIGINT NOT NULL,
	raw             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_integration_received_idx
	ON events (integration_id, received_at DESC);
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
