// Package postgres implements the repository contracts over PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// repoBase carries the shared plumbing of every repository: the pool, the
// observability hooks, and a circuit breaker around query execution.
type repoBase struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
	breaker *gobreaker.CircuitBreaker
}

func newRepoBase(name string, db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repoBase {
	return repoBase{
		db:      db,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// ext returns the executor for the current call: the transaction carried in
// the context if one is open, the shared pool otherwise.
func (b *repoBase) ext(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return b.db
}

// exec runs a query function behind the circuit breaker and records the
// operation's duration and outcome. Domain errors (not found, conflicts)
// pass through without tripping the breaker.
func (b *repoBase) exec(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	var domainErr error
	_, err := b.breaker.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if isDomainError(err) {
				domainErr = err
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})
	success := err == nil && domainErr == nil
	b.metrics.RecordDatabaseOperation(operation, success, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return domainErr
}

// isDomainError reports whether err is an expected domain outcome rather
// than an infrastructure failure. Only the latter trips the breaker.
func isDomainError(err error) bool {
	var app *models.AppError
	if errors.As(err, &app) {
		return true
	}
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrAlreadyExists) ||
		errors.Is(err, sql.ErrNoRows)
}

// itoa shortens positional-placeholder assembly in dynamic queries.
func itoa(n int) string { return strconv.Itoa(n) }

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation reports whether err is a Postgres FK violation.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
