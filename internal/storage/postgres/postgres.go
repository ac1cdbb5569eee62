// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the persistence DDL. Applied at boot; idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS scans (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	domain_list_id   TEXT NOT NULL,
	domain_list_name TEXT NOT NULL DEFAULT '',
	start_index      INT NOT NULL DEFAULT 0,
	current_index    INT NOT NULL DEFAULT 0,
	include_subs     BOOLEAN NOT NULL DEFAULT FALSE,
	subdomains       JSONB NOT NULL DEFAULT '[]',
	paths            JSONB NOT NULL DEFAULT '[]',
	search_terms     JSONB NOT NULL DEFAULT '[]',
	concurrency      INT NOT NULL DEFAULT 0,
	timeout_ms       BIGINT NOT NULL DEFAULT 0,
	batch_size       INT NOT NULL DEFAULT 0,
	url_batch_size   INT NOT NULL DEFAULT 0,
	retries          INT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	total_domains    INT NOT NULL DEFAULT 0,
	scanned_domains  INT NOT NULL DEFAULT 0,
	found_results    INT NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL,
	paused_at        TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_results (
	id           BIGSERIAL PRIMARY KEY,
	scan_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	domain       TEXT NOT NULL,
	path         TEXT NOT NULL,
	subdomain    TEXT NOT NULL DEFAULT '',
	search_terms JSONB NOT NULL DEFAULT '[]',
	found_terms  JSONB NOT NULL DEFAULT '[]',
	status_code  INT NOT NULL DEFAULT 0,
	found_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_results_scan_idx ON scan_results (scan_id, id DESC);
CREATE TABLE IF NOT EXISTS stop_flags (
	scan_id    TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS domain_lists (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL DEFAULT '',
	domains JSONB NOT NULL DEFAULT '[]'
);
`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolConfig controls the shared connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPool connects a pgx pool and applies the schema.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return pool, nil
}
