package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id        UUID PRIMARY KEY,
	name      TEXT NOT NULL,
	axes      JSONB NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS move_records (
	id           UUID PRIMARY KEY,
	positioner   TEXT NOT NULL,
	initial      DOUBLE PRECISION NOT NULL,
	target       DOUBLE PRECISION NOT NULL,
	final        DOUBLE PRECISION,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS move_records_positioner_idx ON move_records (positioner, started_at DESC);

CREATE TABLE IF NOT EXISTS plans (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// Migrate creates missing tables.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
