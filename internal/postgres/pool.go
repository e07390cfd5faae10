// Package postgres opens instrumented pgx connection pools.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

// Config for a connection pool.
type Config struct {
	URL             string
	MaxConns        int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	// SlowQuery only logs successful queries at or above this duration. 0 logs all.
	SlowQuery time.Duration
}

// Connect opens a pool with otelpgx tracing wrapped by the logging tracer and
// pings it, retrying with exponential backoff.
func Connect(ctx context.Context, cfg Config, logger log.Logger, hooks Hooks) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	if logger == nil {
		logger = log.Nop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns) //nolint:gosec // bounded by flag validation
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), logger, hooks, cfg.SlowQuery)

	attempts := max(cfg.ConnectAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info(ctx, "connected to database", "attempts", attempt)
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		backoff := calcBackoff(attempt)
		logger.Warn(ctx, "database connection failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, lastErr)
}

// calcBackoff doubles from one second, capped at 16 seconds.
func calcBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return 16 * time.Second
	}
	return min(time.Duration(1<<(attempt-1))*time.Second, 16*time.Second)
}
