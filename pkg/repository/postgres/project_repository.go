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

type projectRepository struct {
	repoBase
}

// NewProjectRepository creates the Postgres-backed project repository.
func NewProjectRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.ProjectRepository {
	return &projectRepository{newRepoBase("project_repository", db, logger, metrics, tracer)}
}

func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Create")
	defer span.End()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	if project.Status == "" {
		project.Status = models.ProjectStatusActive
	}

	query := `
		INSERT INTO projects (id, name, description, user_id, status, metadata, created_at, updated_at)
		VALUES (:id, :name, :description, :user_id, :status, :metadata, :created_at, :updated_at)`

	return r.exec(ctx, "project_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, project)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("project", project.Name)
			}
			return errors.Wrap(err, "failed to create project")
		}
		return nil
	})
}

func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.Get")
	defer span.End()

	var project models.Project
	err := r.exec(ctx, "project_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &project,
			`SELECT * FROM projects WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("project", id.String())
		}
		return errors.Wrap(err, "failed to get project")
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) GetByName(ctx context.Context, userID, name string) (*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.GetByName")
	defer span.End()

	var project models.Project
	err := r.exec(ctx, "project_get_by_name", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &project,
			`SELECT * FROM projects WHERE user_id = $1 AND name = $2`, userID, name)
		if err == sql.ErrNoRows {
			return models.NewNotFound("project", name)
		}
		return errors.Wrap(err, "failed to get project by name")
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) List(ctx context.Context, filter repository.ProjectFilter) ([]*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.List")
	defer span.End()

	query := `SELECT * FROM projects WHERE 1=1`
	args := []interface{}{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += ` AND user_id = $` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	var projects []*models.Project
	err := r.exec(ctx, "project_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &projects, query, args...),
			"failed to list projects")
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (r *projectRepository) Update(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Update")
	defer span.End()

	project.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE projects
		SET name = :name, description = :description, status = :status,
		    metadata = :metadata, updated_at = :updated_at
		WHERE id = :id`

	return r.exec(ctx, "project_update", func() error {
		res, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, project)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("project", project.Name)
			}
			return errors.Wrap(err, "failed to update project")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("project", project.ID.String())
		}
		return nil
	})
}

func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Delete")
	defer span.End()

	return r.exec(ctx, "project_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete project")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("project", id.String())
		}
		return nil
	})
}
