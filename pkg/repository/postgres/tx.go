package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

type txKey struct{}

// TxManager begins read-committed transactions and carries them through the
// context so every repository call inside the closure joins the same
// transaction. Nested WithTransaction calls join the enclosing one.
type TxManager struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewTxManager creates a transaction manager over the shared pool.
func NewTxManager(db *sqlx.DB, logger observability.Logger) *TxManager {
	return &TxManager{db: db, logger: logger}
}

// WithTransaction runs fn inside one transaction. The transaction is rolled
// back on error or panic and committed otherwise. Cache invalidations belong
// at the end of fn, after every write has succeeded: a rollback path returns
// before reaching them.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			m.logger.Error("Transaction rollback failed", map[string]interface{}{
				"error":          rbErr.Error(),
				"original_error": err.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	m.logger.Debug("Transaction committed", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}
