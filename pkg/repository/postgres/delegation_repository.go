package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type delegationRepository struct {
	repoBase
}

// NewDelegationRepository creates the Postgres-backed delegation queue.
func NewDelegationRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.DelegationRepository {
	return &delegationRepository{newRepoBase("delegation_repository", db, logger, metrics, tracer)}
}

func (r *delegationRepository) Create(ctx context.Context, d *models.ContextDelegation) error {
	ctx, span := r.tracer(ctx, "DelegationRepository.Create")
	defer span.End()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO context_delegations (id, source_level, source_id, target_level, target_id,
		                                 delegated_data, reason, auto_delegated, processed,
		                                 approved, rejected_reason, created_by, created_at, processed_at)
		VALUES (:id, :source_level, :source_id, :target_level, :target_id,
		        :delegated_data, :reason, :auto_delegated, :processed,
		        :approved, :rejected_reason, :created_by, :created_at, :processed_at)`

	return r.exec(ctx, "delegation_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, d)
		return errors.Wrap(err, "failed to create delegation")
	})
}

func (r *delegationRepository) Get(ctx context.Context, id string) (*models.ContextDelegation, error) {
	ctx, span := r.tracer(ctx, "DelegationRepository.Get")
	defer span.End()

	var d models.ContextDelegation
	err := r.exec(ctx, "delegation_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &d,
			`SELECT * FROM context_delegations WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("delegation", id)
		}
		return errors.Wrap(err, "failed to get delegation")
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *delegationRepository) List(ctx context.Context, filter repository.DelegationFilter) ([]*models.ContextDelegation, error) {
	ctx, span := r.tracer(ctx, "DelegationRepository.List")
	defer span.End()

	query := `SELECT * FROM context_delegations WHERE 1=1`
	args := []interface{}{}
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		query += ` AND processed = $` + itoa(len(args))
	}
	if filter.TargetLevel != "" {
		args = append(args, filter.TargetLevel)
		query += ` AND target_level = $` + itoa(len(args))
	}
	if filter.TargetID != "" {
		args = append(args, filter.TargetID)
		query += ` AND target_id = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	var delegations []*models.ContextDelegation
	err := r.exec(ctx, "delegation_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &delegations, query, args...),
			"failed to list delegations")
	})
	if err != nil {
		return nil, err
	}
	return delegations, nil
}

func (r *delegationRepository) MarkProcessed(ctx context.Context, id string, approved bool, rejectedReason string) error {
	ctx, span := r.tracer(ctx, "DelegationRepository.MarkProcessed")
	defer span.End()

	return r.exec(ctx, "delegation_mark_processed", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `
			UPDATE context_delegations
			SET processed = TRUE, approved = $2, rejected_reason = $3, processed_at = NOW()
			WHERE id = $1`, id, approved, rejectedReason)
		if err != nil {
			return errors.Wrap(err, "failed to mark delegation processed")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("delegation", id)
		}
		return nil
	})
}
