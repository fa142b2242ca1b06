// Package db is the durable-store layer: a pgx connection pool plus
// repositories for campaigns, positions, orders, signals, bars and the
// breaker/staleness/regime event logs. All financial columns are
// NUMERIC and travel as exact decimals.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/config"
	"github.com/quantforge/tradecore/internal/metrics"
)

// Pool is the subset of pgxpool.Pool the repositories use. pgxmock
// implements it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates the connection pool and verifies connectivity
func New(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Database connection pool created")

	return &DB{pool: pool, log: log.With().Str("component", "db").Logger()}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		db.log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying connection pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// ReportStats pushes pool gauges until ctx is cancelled
func (db *DB) ReportStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := db.pool.Stat()
			metrics.UpdateDatabaseConnections(s.AcquiredConns(), s.IdleConns())
		}
	}
}

// timed wraps a repository call with the query-duration metric
func timed(queryName string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordDatabaseQuery(queryName, float64(time.Since(start).Milliseconds()))
	return err
}
