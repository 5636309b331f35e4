// Package db builds the pgx connection pool from gateway configuration.
package db

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoDSN = errors.New("database dsn is not configured")

// Config carries the pool settings from the service configuration. Zero
// values fall back to the defaults below; an empty DSN falls back to the
// DATABASE_URL environment variable.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	ConnLifetime      time.Duration
	HealthCheckPeriod time.Duration
}

// PoolConfig resolves defaults and parses the DSN into a pgxpool config.
func PoolConfig(c Config) (*pgxpool.Config, error) {
	dsn := c.DSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, ErrNoDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = c.MaxConns
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	cfg.MinConns = c.MinConns
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	cfg.MaxConnLifetime = c.ConnLifetime
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = 30 * time.Minute
	}
	cfg.HealthCheckPeriod = c.HealthCheckPeriod
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = 30 * time.Second
	}
	return cfg, nil
}

func Connect(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(c)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
