// Package db opens the PostgreSQL connection pool per §5's pooling rules:
// a size taken from config (config.Load caps it at 20 connections),
// bounded lifetime and idle time, and a periodic health check.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/config"
)

// Open creates and validates a PostgreSQL connection pool sized from cfg.
func Open(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	pgxCfg.MaxConns = cfg.DBPoolMaxConns
	pgxCfg.MinConns = cfg.DBPoolMinConns
	pgxCfg.MaxConnLifetime = time.Hour
	pgxCfg.MaxConnIdleTime = 30 * time.Minute
	pgxCfg.HealthCheckPeriod = time.Minute
	pgxCfg.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout)
	defer cancel()
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", pgxCfg.MaxConns).
		Int32("min_conns", pgxCfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}
