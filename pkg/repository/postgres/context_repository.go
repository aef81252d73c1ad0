package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type contextRepository struct {
	repoBase
}

// NewContextRepository creates the Postgres-backed context repository.
func NewContextRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.ContextRepository {
	return &contextRepository{newRepoBase("context_repository", db, logger, metrics, tracer)}
}

func (r *contextRepository) Create(ctx context.Context, c *models.Context) error {
	ctx, span := r.tracer(ctx, "ContextRepository.Create")
	defer span.End()

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Data == nil {
		c.Data = models.JSONMap{}
	}

	query := `
		INSERT INTO contexts (id, level, user_id, project_id, branch_id,
		                      data, insights, progress, local_overrides, delegation_triggers,
		                      inheritance_disabled, version, created_at, updated_at)
		VALUES (:id, :level, :user_id, :project_id, :branch_id,
		        :data, :insights, :progress, :local_overrides, :delegation_triggers,
		        :inheritance_disabled, :version, :created_at, :updated_at)`

	return r.exec(ctx, "context_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, c)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("context", string(c.Level)+":"+c.ID)
			}
			return errors.Wrap(err, "failed to create context")
		}
		return nil
	})
}

func (r *contextRepository) Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return r.get(ctx, level, id, false)
}

// GetForUpdate locks the row so concurrent writers to the same context
// serialize inside their transactions.
func (r *contextRepository) GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return r.get(ctx, level, id, true)
}

func (r *contextRepository) get(ctx context.Context, level models.ContextLevel, id string, forUpdate bool) (*models.Context, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.Get")
	defer span.End()

	query := `SELECT * FROM contexts WHERE level = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var c models.Context
	err := r.exec(ctx, "context_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &c, query, level, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("context", string(level)+":"+id)
		}
		return errors.Wrap(err, "failed to get context")
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Update writes the mutable columns and bumps version atomically; the
// stored version lands back on the model.
func (r *contextRepository) Update(ctx context.Context, c *models.Context) error {
	ctx, span := r.tracer(ctx, "ContextRepository.Update")
	defer span.End()

	query := `
		UPDATE contexts
		SET data = $1, insights = $2, progress = $3, local_overrides = $4,
		    delegation_triggers = $5, inheritance_disabled = $6,
		    version = version + 1, updated_at = NOW()
		WHERE level = $7 AND id = $8
		RETURNING version, updated_at`

	return r.exec(ctx, "context_update", func() error {
		row := r.ext(ctx).QueryRowxContext(ctx, query,
			c.Data, c.Insights, c.Progress, c.LocalOverrides,
			c.DelegationTriggers, c.InheritanceDisabled, c.Level, c.ID)
		err := row.Scan(&c.Version, &c.UpdatedAt)
		if err == sql.ErrNoRows {
			return models.NewNotFound("context", string(c.Level)+":"+c.ID)
		}
		return errors.Wrap(err, "failed to update context")
	})
}

func (r *contextRepository) Delete(ctx context.Context, level models.ContextLevel, id string) error {
	ctx, span := r.tracer(ctx, "ContextRepository.Delete")
	defer span.End()

	return r.exec(ctx, "context_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx,
			`DELETE FROM contexts WHERE level = $1 AND id = $2`, level, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete context")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("context", string(level)+":"+id)
		}
		return nil
	})
}

func (r *contextRepository) List(ctx context.Context, level models.ContextLevel, filter repository.ContextFilter) ([]*models.Context, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.List")
	defer span.End()

	query := `SELECT * FROM contexts WHERE level = $1`
	args := []interface{}{level}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += ` AND user_id = $` + itoa(len(args))
	}
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		query += ` AND project_id = $` + itoa(len(args))
	}
	if filter.BranchID != nil {
		args = append(args, *filter.BranchID)
		query += ` AND branch_id = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at`

	var contexts []*models.Context
	err := r.exec(ctx, "context_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &contexts, query, args...),
			"failed to list contexts")
	})
	if err != nil {
		return nil, err
	}
	return contexts, nil
}

// ListChildren returns the contexts one level down whose parent pointer
// references id. The delete path refuses to remove a context while any
// child remains.
func (r *contextRepository) ListChildren(ctx context.Context, level models.ContextLevel, id string) ([]*models.Context, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.ListChildren")
	defer span.End()

	var query string
	args := []interface{}{}
	switch level {
	case models.LevelGlobal:
		query = `SELECT * FROM contexts WHERE level = 'project'`
	case models.LevelProject:
		query = `SELECT * FROM contexts WHERE level = 'branch' AND project_id = $1`
		args = append(args, id)
	case models.LevelBranch:
		query = `SELECT * FROM contexts WHERE level = 'task' AND branch_id = $1`
		args = append(args, id)
	default:
		return nil, nil
	}
	query += ` ORDER BY created_at`

	var contexts []*models.Context
	err := r.exec(ctx, "context_list_children", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &contexts, query, args...),
			"failed to list child contexts")
	})
	if err != nil {
		return nil, err
	}
	return contexts, nil
}
