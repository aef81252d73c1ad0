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

type taskRepository struct {
	repoBase
}

// NewTaskRepository creates the Postgres-backed task repository.
func NewTaskRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.TaskRepository {
	return &taskRepository{newRepoBase("task_repository", db, logger, metrics, tracer)}
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Create")
	defer span.End()

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusTodo
	}
	if task.Priority == "" {
		task.Priority = models.TaskPriorityMedium
	}

	query := `
		INSERT INTO tasks (id, branch_id, title, description, details, status, priority,
		                   estimated_effort, due_date, completion_summary, testing_notes,
		                   blocked_reason, assignees, context_id,
		                   created_at, updated_at, completed_at)
		VALUES (:id, :branch_id, :title, :description, :details, :status, :priority,
		        :estimated_effort, :due_date, :completion_summary, :testing_notes,
		        :blocked_reason, :assignees, :context_id,
		        :created_at, :updated_at, :completed_at)`

	return r.exec(ctx, "task_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, task)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.NewNotFound("branch", task.BranchID.String())
			}
			return errors.Wrap(err, "failed to create task")
		}
		return nil
	})
}

func (r *taskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.Get")
	defer span.End()

	var task models.Task
	err := r.exec(ctx, "task_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &task,
			`SELECT * FROM tasks WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("task", id.String())
		}
		return errors.Wrap(err, "failed to get task")
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.List")
	defer span.End()

	query := `SELECT DISTINCT t.* FROM tasks t`
	if filter.Label != "" {
		query += ` JOIN task_labels tl ON tl.task_id = t.id JOIN labels l ON l.id = tl.label_id`
	}
	query += ` WHERE 1=1`

	args := []interface{}{}
	if filter.BranchID != nil {
		args = append(args, *filter.BranchID)
		query += ` AND t.branch_id = $` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND t.status = $` + itoa(len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += ` AND t.priority = $` + itoa(len(args))
	}
	if filter.Assignee != "" {
		args = append(args, `"`+filter.Assignee+`"`)
		query += ` AND t.assignees::jsonb @> $` + itoa(len(args)) + `::jsonb`
	}
	if filter.Label != "" {
		args = append(args, filter.Label)
		query += ` AND l.name = $` + itoa(len(args))
	}
	if filter.ExcludeTerminal {
		query += ` AND t.status NOT IN ('done', 'cancelled')`
	}
	query += ` ORDER BY t.created_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	var tasks []*models.Task
	err := r.exec(ctx, "task_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &tasks, query, args...),
			"failed to list tasks")
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) Update(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Update")
	defer span.End()

	task.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE tasks
		SET title = :title, description = :description, details = :details,
		    status = :status, priority = :priority, estimated_effort = :estimated_effort,
		    due_date = :due_date, completion_summary = :completion_summary,
		    testing_notes = :testing_notes, blocked_reason = :blocked_reason,
		    assignees = :assignees, context_id = :context_id,
		    updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id`

	return r.exec(ctx, "task_update", func() error {
		res, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, task)
		if err != nil {
			return errors.Wrap(err, "failed to update task")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("task", task.ID.String())
		}
		return nil
	})
}

func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Delete")
	defer span.End()

	return r.exec(ctx, "task_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete task")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("task", id.String())
		}
		return nil
	})
}

// Search requires every token to match title, description, details, or an
// attached label name, case-insensitively. Ranking happens in the service.
func (r *taskRepository) Search(ctx context.Context, filter repository.SearchFilter) ([]*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.Search")
	defer span.End()

	if len(filter.Tokens) == 0 {
		return nil, nil
	}

	query := `SELECT t.* FROM tasks t WHERE 1=1`
	args := []interface{}{}
	if filter.BranchID != nil {
		args = append(args, *filter.BranchID)
		query += ` AND t.branch_id = $` + itoa(len(args))
	}
	for _, token := range filter.Tokens {
		args = append(args, "%"+token+"%")
		p := itoa(len(args))
		query += ` AND (t.title ILIKE $` + p +
			` OR t.description ILIKE $` + p +
			` OR t.details ILIKE $` + p +
			` OR EXISTS (SELECT 1 FROM task_labels tl JOIN labels l ON l.id = tl.label_id` +
			` WHERE tl.task_id = t.id AND l.name ILIKE $` + p + `))`
	}
	query += ` ORDER BY t.created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	var tasks []*models.Task
	err := r.exec(ctx, "task_search", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &tasks, query, args...),
			"failed to search tasks")
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// SetLabels replaces the task's label set. Label rows are created on first
// use and shared across tasks.
func (r *taskRepository) SetLabels(ctx context.Context, taskID uuid.UUID, labels []string) error {
	ctx, span := r.tracer(ctx, "TaskRepository.SetLabels")
	defer span.End()

	return r.exec(ctx, "task_set_labels", func() error {
		ext := r.ext(ctx)
		if _, err := ext.ExecContext(ctx,
			`DELETE FROM task_labels WHERE task_id = $1`, taskID); err != nil {
			return errors.Wrap(err, "failed to clear task labels")
		}
		for _, name := range labels {
			var labelID uuid.UUID
			err := sqlx.GetContext(ctx, ext, &labelID, `
				INSERT INTO labels (id, name, created_at) VALUES ($1, $2, NOW())
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, uuid.New(), name)
			if err != nil {
				return errors.Wrap(err, "failed to upsert label")
			}
			if _, err := ext.ExecContext(ctx, `
				INSERT INTO task_labels (task_id, label_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, taskID, labelID); err != nil {
				return errors.Wrap(err, "failed to attach label")
			}
		}
		return nil
	})
}

func (r *taskRepository) GetLabels(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.GetLabels")
	defer span.End()

	var labels []string
	err := r.exec(ctx, "task_get_labels", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &labels, `
				SELECT l.name FROM labels l
				JOIN task_labels tl ON tl.label_id = l.id
				WHERE tl.task_id = $1
				ORDER BY l.name`, taskID),
			"failed to get task labels")
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

func (r *taskRepository) AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.AddDependency")
	defer span.End()

	return r.exec(ctx, "task_add_dependency", func() error {
		_, err := r.ext(ctx).ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT DO NOTHING`, taskID, dependsOn)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.NewNotFound("task", dependsOn.String())
			}
			return errors.Wrap(err, "failed to add dependency")
		}
		return nil
	})
}

func (r *taskRepository) RemoveDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.RemoveDependency")
	defer span.End()

	return r.exec(ctx, "task_remove_dependency", func() error {
		_, err := r.ext(ctx).ExecContext(ctx, `
			DELETE FROM task_dependencies
			WHERE task_id = $1 AND depends_on_task_id = $2`, taskID, dependsOn)
		return errors.Wrap(err, "failed to remove dependency")
	})
}

func (r *taskRepository) ListDependencies(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.ListDependencies")
	defer span.End()

	var ids []uuid.UUID
	err := r.exec(ctx, "task_list_dependencies", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &ids, `
				SELECT depends_on_task_id FROM task_dependencies
				WHERE task_id = $1 ORDER BY depends_on_task_id`, taskID),
			"failed to list dependencies")
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *taskRepository) ListDependents(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.ListDependents")
	defer span.End()

	var ids []uuid.UUID
	err := r.exec(ctx, "task_list_dependents", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &ids, `
				SELECT task_id FROM task_dependencies
				WHERE depends_on_task_id = $1 ORDER BY task_id`, taskID),
			"failed to list dependents")
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ProjectEdges returns the dependency adjacency for every task in the
// project, read inside the caller's transaction so cycle checks see a
// consistent graph.
func (r *taskRepository) ProjectEdges(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.ProjectEdges")
	defer span.End()

	rows := []struct {
		TaskID    uuid.UUID `db:"task_id"`
		DependsOn uuid.UUID `db:"depends_on_task_id"`
	}{}
	err := r.exec(ctx, "task_project_edges", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &rows, `
				SELECT td.task_id, td.depends_on_task_id
				FROM task_dependencies td
				JOIN tasks t ON t.id = td.task_id
				JOIN git_branches b ON b.id = t.branch_id
				WHERE b.project_id = $1`, projectID),
			"failed to load project dependency edges")
	})
	if err != nil {
		return nil, err
	}

	edges := make(map[uuid.UUID][]uuid.UUID, len(rows))
	for _, row := range rows {
		edges[row.TaskID] = append(edges[row.TaskID], row.DependsOn)
	}
	return edges, nil
}
