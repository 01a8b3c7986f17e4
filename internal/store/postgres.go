// Package store holds the relational (Postgres) and embedded-KV (bbolt)
// persistence adapters.
package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// Postgres wraps a pgxpool.Pool and applies the embedded schema at startup,
// mirroring the teacher's cmd/consumer connection + ping sequence.
type Postgres struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to dsn, pings it, and applies schema.sql idempotently.
func Open(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info().Int32("max_conns", maxConns).Msg("connected to postgres, schema applied")
	return &Postgres{Pool: pool, logger: logger.With().Str("component", "store.Postgres").Logger()}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.Pool.Close()
}
