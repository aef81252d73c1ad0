// Package database opens and manages the PostgreSQL connection pool used by
// every repository.
package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Config holds connection settings for the relational store.
type Config struct {
	// DSN is the DATABASE_URL connection string.
	DSN string `mapstructure:"dsn"`

	// Driver must be postgres; the DATABASE_TYPE config key maps onto it.
	Driver string `mapstructure:"driver"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// ConnectTimeout bounds the initial connect-with-retry loop.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Database wraps the sqlx pool.
type Database struct {
	db     *sqlx.DB
	logger observability.Logger
}

// New opens the pool and pings it with exponential backoff until the
// database answers or the connect timeout elapses. A fresh Postgres
// container routinely needs a few seconds before accepting connections.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*Database, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database: DSN is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
	), ctx)

	attempt := 0
	ping := func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("Database ping failed, retrying", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		return nil
	}

	if err := backoff.Retry(ping, policy); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "database unreachable")
	}

	logger.Info("Database connected", map[string]interface{}{
		"driver":         cfg.Driver,
		"max_open_conns": cfg.MaxOpenConns,
	})

	return &Database{db: db, logger: logger}, nil
}

// DB exposes the underlying sqlx pool for repositories.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stats returns pool statistics for the health endpoint.
func (d *Database) Stats() map[string]interface{} {
	s := d.db.Stats()
	return map[string]interface{}{
		"open_connections": s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"wait_count":       s.WaitCount,
	}
}

// Close shuts the pool down.
func (d *Database) Close() error {
	return d.db.Close()
}
