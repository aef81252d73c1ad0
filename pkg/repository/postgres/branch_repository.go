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

type branchRepository struct {
	repoBase
}

// NewBranchRepository creates the Postgres-backed branch repository.
func NewBranchRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.BranchRepository {
	return &branchRepository{newRepoBase("branch_repository", db, logger, metrics, tracer)}
}

func (r *branchRepository) Create(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Create")
	defer span.End()

	if branch.ID == uuid.Nil {
		branch.ID = uuid.New()
	}
	now := time.Now().UTC()
	branch.CreatedAt = now
	branch.UpdatedAt = now
	if branch.Status == "" {
		branch.Status = models.TaskStatusTodo
	}
	if branch.Priority == "" {
		branch.Priority = models.TaskPriorityMedium
	}

	query := `
		INSERT INTO git_branches (id, project_id, name, description, status, priority,
		                          assigned_agent_id, task_count, completed_task_count,
		                          created_at, updated_at)
		VALUES (:id, :project_id, :name, :description, :status, :priority,
		        :assigned_agent_id, :task_count, :completed_task_count,
		        :created_at, :updated_at)`

	return r.exec(ctx, "branch_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, branch)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("branch", branch.Name)
			}
			if isForeignKeyViolation(err) {
				return models.NewNotFound("project", branch.ProjectID.String())
			}
			return errors.Wrap(err, "failed to create branch")
		}
		return nil
	})
}

func (r *branchRepository) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.Get")
	defer span.End()

	var branch models.Branch
	err := r.exec(ctx, "branch_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &branch,
			`SELECT * FROM git_branches WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("branch", id.String())
		}
		return errors.Wrap(err, "failed to get branch")
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (r *branchRepository) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.GetByName")
	defer span.End()

	var branch models.Branch
	err := r.exec(ctx, "branch_get_by_name", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &branch,
			`SELECT * FROM git_branches WHERE project_id = $1 AND name = $2`, projectID, name)
		if err == sql.ErrNoRows {
			return models.NewNotFound("branch", name)
		}
		return errors.Wrap(err, "failed to get branch by name")
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (r *branchRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.ListByProject")
	defer span.End()

	var branches []*models.Branch
	err := r.exec(ctx, "branch_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &branches,
				`SELECT * FROM git_branches WHERE project_id = $1 ORDER BY created_at`, projectID),
			"failed to list branches")
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

func (r *branchRepository) Update(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Update")
	defer span.End()

	branch.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE git_branches
		SET name = :name, description = :description, status = :status,
		    priority = :priority, assigned_agent_id = :assigned_agent_id,
		    updated_at = :updated_at
		WHERE id = :id`

	return r.exec(ctx, "branch_update", func() error {
		res, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, branch)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("branch", branch.Name)
			}
			return errors.Wrap(err, "failed to update branch")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("branch", branch.ID.String())
		}
		return nil
	})
}

func (r *branchRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Delete")
	defer span.End()

	return r.exec(ctx, "branch_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `DELETE FROM git_branches WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete branch")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("branch", id.String())
		}
		return nil
	})
}

// RefreshTaskCounts recomputes the denormalized counters from the tasks
// table in one statement so they stay consistent inside the writing
// transaction.
func (r *branchRepository) RefreshTaskCounts(ctx context.Context, branchID uuid.UUID) (*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.RefreshTaskCounts")
	defer span.End()

	query := `
		UPDATE git_branches
		SET task_count = (SELECT COUNT(*) FROM tasks WHERE branch_id = $1),
		    completed_task_count = (SELECT COUNT(*) FROM tasks WHERE branch_id = $1 AND status = 'done'),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING *`

	var branch models.Branch
	err := r.exec(ctx, "branch_refresh_counts", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &branch, query, branchID)
		if err == sql.ErrNoRows {
			return models.NewNotFound("branch", branchID.String())
		}
		return errors.Wrap(err, "failed to refresh branch task counts")
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (r *branchRepository) CountTasksByStatus(ctx context.Context, branchID uuid.UUID) (map[string]int, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.CountTasksByStatus")
	defer span.End()

	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := r.exec(ctx, "branch_count_by_status", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &rows,
				`SELECT status, COUNT(*) AS count FROM tasks WHERE branch_id = $1 GROUP BY status`, branchID),
			"failed to count tasks by status")
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
