package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qbh/portal/internal/config"
)

const applicationName = "qbh-portal"

type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// poolConfig builds the pgx pool settings. Sessions run in UTC so audit and
// lockout timestamps compare consistently across hosts.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"

	return pc, nil
}

// NewConnection opens the pool, retrying the initial ping up to
// cfg.ConnectRetries times while the database comes up.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pingWithRetry(ctx, pool, cfg.ConnectRetries, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, retries int, logger *slog.Logger) error {
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= retries {
			return fmt.Errorf("unable to ping database after %d attempts: %w", attempt+1, err)
		}

		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 8*time.Second)
	}
}

// NewFromPool wraps an existing pool, e.g. one created by a test container.
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{Pool: pool, logger: logger}
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings the database. It also fails when every connection is
// checked out, since requests would queue behind the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	if stat := db.Pool.Stat(); stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns() {
		return fmt.Errorf("database health check failed: all %d connections in use", stat.MaxConns())
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
