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

type subtaskRepository struct {
	repoBase
}

// NewSubtaskRepository creates the Postgres-backed subtask repository.
func NewSubtaskRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.SubtaskRepository {
	return &subtaskRepository{newRepoBase("subtask_repository", db, logger, metrics, tracer)}
}

func (r *subtaskRepository) Create(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Create")
	defer span.End()

	if subtask.ID == uuid.Nil {
		subtask.ID = uuid.New()
	}
	now := time.Now().UTC()
	subtask.CreatedAt = now
	subtask.UpdatedAt = now
	if subtask.Status == "" {
		subtask.Status = models.TaskStatusTodo
	}
	if subtask.Priority == "" {
		subtask.Priority = models.TaskPriorityMedium
	}

	query := `
		INSERT INTO subtasks (id, task_id, title, description, status, priority,
		                      assignees, progress_percentage, progress_notes, blockers,
		                      completion_summary, impact_on_parent, challenges_overcome,
		                      insights_found, created_at, updated_at, completed_at)
		VALUES (:id, :task_id, :title, :description, :status, :priority,
		        :assignees, :progress_percentage, :progress_notes, :blockers,
		        :completion_summary, :impact_on_parent, :challenges_overcome,
		        :insights_found, :created_at, :updated_at, :completed_at)`

	return r.exec(ctx, "subtask_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, subtask)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.NewNotFound("task", subtask.TaskID.String())
			}
			return errors.Wrap(err, "failed to create subtask")
		}
		return nil
	})
}

func (r *subtaskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Get")
	defer span.End()

	var subtask models.Subtask
	err := r.exec(ctx, "subtask_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &subtask,
			`SELECT * FROM subtasks WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("subtask", id.String())
		}
		return errors.Wrap(err, "failed to get subtask")
	})
	if err != nil {
		return nil, err
	}
	return &subtask, nil
}

func (r *subtaskRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.ListByTask")
	defer span.End()

	var subtasks []*models.Subtask
	err := r.exec(ctx, "subtask_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &subtasks,
				`SELECT * FROM subtasks WHERE task_id = $1 ORDER BY created_at`, taskID),
			"failed to list subtasks")
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

func (r *subtaskRepository) Update(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Update")
	defer span.End()

	subtask.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE subtasks
		SET title = :title, description = :description, status = :status,
		    priority = :priority, assignees = :assignees,
		    progress_percentage = :progress_percentage, progress_notes = :progress_notes,
		    blockers = :blockers, completion_summary = :completion_summary,
		    impact_on_parent = :impact_on_parent, challenges_overcome = :challenges_overcome,
		    insights_found = :insights_found, updated_at = :updated_at,
		    completed_at = :completed_at
		WHERE id = :id`

	return r.exec(ctx, "subtask_update", func() error {
		res, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, subtask)
		if err != nil {
			return errors.Wrap(err, "failed to update subtask")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("subtask", subtask.ID.String())
		}
		return nil
	})
}

func (r *subtaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Delete")
	defer span.End()

	return r.exec(ctx, "subtask_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `DELETE FROM subtasks WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete subtask")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("subtask", id.String())
		}
		return nil
	})
}
