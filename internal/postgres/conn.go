// Package postgres implements Postgres-backed stores for courierd.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Default pgxpool connection limits, applied when PoolConfig fields are
// zero. The DATABASE_URL may also carry pool params (?pool_max_conns=10);
// explicit PoolConfig values win.
const (
	defaultMaxConns          = 16
	defaultMinConns          = 2
	defaultMaxConnLifetime   = 30 * time.Minute
	defaultMaxConnIdleTime   = 5 * time.Minute
	defaultHealthCheckPeriod = 1 * time.Minute
)

// PoolConfig carries connection pool settings from the config layer.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool creates a pgxpool.Pool and verifies connectivity with a ping.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = cfg.MaxConns
	if config.MaxConns <= 0 {
		config.MaxConns = defaultMaxConns
	}
	config.MinConns = cfg.MinConns
	if config.MinConns <= 0 {
		config.MinConns = defaultMinConns
	}
	config.MaxConnLifetime = cfg.MaxConnLifetime
	if config.MaxConnLifetime <= 0 {
		config.MaxConnLifetime = defaultMaxConnLifetime
	}
	config.MaxConnIdleTime = cfg.MaxConnIdleTime
	if config.MaxConnIdleTime <= 0 {
		config.MaxConnIdleTime = defaultMaxConnIdleTime
	}
	config.HealthCheckPeriod = defaultHealthCheckPeriod

	slog.Info("pgxpool configured",
		"max_conns", config.MaxConns,
		"min_conns", config.MinConns,
		"max_conn_lifetime", config.MaxConnLifetime,
		"max_conn_idle_time", config.MaxConnIdleTime,
	)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
