package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/contexts"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// ProjectService manages the top-level organizational unit and its context.
type ProjectService struct {
	cfg      ServiceConfig
	projects repository.ProjectRepository
	branches repository.BranchRepository
	tasks    repository.TaskRepository
	resolver *contexts.Resolver
	txm      repository.TxManager
}

// NewProjectService wires the project service.
func NewProjectService(cfg ServiceConfig, projects repository.ProjectRepository,
	branches repository.BranchRepository, tasks repository.TaskRepository,
	resolver *contexts.Resolver, txm repository.TxManager) *ProjectService {
	return &ProjectService{
		cfg:      cfg.normalized(),
		projects: projects,
		branches: branches,
		tasks:    tasks,
		resolver: resolver,
		txm:      txm,
	}
}

// CreateProjectInput carries the create parameters.
type CreateProjectInput struct {
	Name        string
	Description string
	UserID      string
	Metadata    models.JSONMap
}

// ProjectWriteResult pairs the entity with the context-sync outcome.
type ProjectWriteResult struct {
	Project        *models.Project
	ContextCreated bool
	SyncFailed     bool
}

// Create stores the project and its project-level context in one
// transaction. The global context is seeded by migration, so the parent
// always exists.
func (s *ProjectService) Create(ctx context.Context, in CreateProjectInput) (*ProjectWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "ProjectService.Create")
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, models.NewValidation("project name is required")
	}
	userID := in.UserID
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}

	project := &models.Project{
		Name:        name,
		Description: in.Description,
		UserID:      userID,
		Status:      models.ProjectStatusActive,
		Metadata:    in.Metadata,
	}
	result := &ProjectWriteResult{Project: project}

	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.projects.Create(ctx, project); err != nil {
			return err
		}
		err := s.resolver.Create(ctx, &models.Context{
			ID:     project.ID.String(),
			Level:  models.LevelProject,
			UserID: userID,
			Data: models.JSONMap{
				"project_name": project.Name,
				"status":       string(project.Status),
			},
		})
		if err != nil {
			return err
		}
		result.ContextCreated = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cfg.Metrics.RecordAPIOperation("manage_project", "create", true, 0)
	s.cfg.Logger.Info("Created project", map[string]interface{}{
		"project_id": project.ID.String(),
		"name":       project.Name,
	})
	return result, nil
}

// Get fetches one project by id.
func (s *ProjectService) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return s.projects.Get(ctx, id)
}

// GetByName fetches one project by owner and name.
func (s *ProjectService) GetByName(ctx context.Context, userID, name string) (*models.Project, error) {
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}
	return s.projects.GetByName(ctx, userID, name)
}

// List returns projects matching the filter.
func (s *ProjectService) List(ctx context.Context, filter repository.ProjectFilter) ([]*models.Project, error) {
	if filter.UserID == "" {
		filter.UserID = s.cfg.DefaultUserID
	}
	return s.projects.List(ctx, filter)
}

// UpdateProjectInput carries the mutable fields; nil means leave unchanged.
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Status      *string
	Metadata    models.JSONMap
}

// Update applies the changed fields and mirrors them into the context.
func (s *ProjectService) Update(ctx context.Context, id uuid.UUID, in UpdateProjectInput) (*ProjectWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "ProjectService.Update")
	defer span.End()

	var project *models.Project
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		project, err = s.projects.Get(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			if strings.TrimSpace(*in.Name) == "" {
				return models.NewValidation("project name cannot be empty")
			}
			project.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			project.Description = *in.Description
		}
		if in.Status != nil {
			status := models.ProjectStatus(*in.Status)
			if !status.Valid() {
				return models.NewValidation("unknown project status: %s", *in.Status)
			}
			project.Status = status
		}
		if in.Metadata != nil {
			project.Metadata = in.Metadata
		}
		return s.projects.Update(ctx, project)
	})
	if err != nil {
		return nil, err
	}

	result := &ProjectWriteResult{Project: project}
	if err := s.syncContext(ctx, project); err != nil {
		result.SyncFailed = true
		s.cfg.Logger.Warn("Project context sync failed", map[string]interface{}{
			"project_id": id.String(),
			"error":      err.Error(),
		})
	}
	return result, nil
}

func (s *ProjectService) syncContext(ctx context.Context, project *models.Project) error {
	_, err := s.resolver.Update(ctx, models.LevelProject, project.ID.String(), models.JSONMap{
		"project_name": project.Name,
		"status":       string(project.Status),
	}, contexts.UpdateOptions{})
	if models.CodeOf(err) == models.ErrCodeNotFound {
		return nil
	}
	return err
}

// Delete removes the project, its branches and tasks (database cascade), and
// every context row underneath it, bottom-up so the child-context guard
// never fires.
func (s *ProjectService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.cfg.Tracer(ctx, "ProjectService.Delete")
	defer span.End()

	return s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.projects.Get(ctx, id); err != nil {
			return err
		}
		branches, err := s.branches.ListByProject(ctx, id)
		if err != nil {
			return err
		}
		for _, branch := range branches {
			branchID := branch.ID
			tasks, err := s.tasks.List(ctx, repository.TaskFilter{BranchID: &branchID})
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if err := s.deleteContextIfPresent(ctx, models.LevelTask, task.ID.String()); err != nil {
					return err
				}
			}
			if err := s.deleteContextIfPresent(ctx, models.LevelBranch, branch.ID.String()); err != nil {
				return err
			}
		}
		if err := s.deleteContextIfPresent(ctx, models.LevelProject, id.String()); err != nil {
			return err
		}
		return s.projects.Delete(ctx, id)
	})
}

func (s *ProjectService) deleteContextIfPresent(ctx context.Context, level models.ContextLevel, id string) error {
	err := s.resolver.Delete(ctx, level, id)
	if models.CodeOf(err) == models.ErrCodeNotFound {
		return nil
	}
	return err
}

// HealthCheck summarizes the project's structural state.
func (s *ProjectService) HealthCheck(ctx context.Context, id uuid.UUID) (*models.ProjectHealth, error) {
	ctx, span := s.cfg.Tracer(ctx, "ProjectService.HealthCheck")
	defer span.End()

	project, err := s.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	branches, err := s.branches.ListByProject(ctx, id)
	if err != nil {
		return nil, err
	}
	taskCount := 0
	for _, branch := range branches {
		taskCount += branch.TaskCount
	}

	contextExists := true
	if _, err := s.resolver.Get(ctx, models.LevelProject, id.String()); err != nil {
		if models.CodeOf(err) != models.ErrCodeNotFound {
			return nil, err
		}
		contextExists = false
	}

	status := "healthy"
	checks := map[string]interface{}{
		"context_present": contextExists,
		"status":          string(project.Status),
	}
	if !contextExists {
		status = "degraded"
		checks["warning"] = "project context is missing; resolution for nested entities will fail"
	}

	return &models.ProjectHealth{
		ProjectID:     id.String(),
		Status:        status,
		Checks:        checks,
		BranchCount:   len(branches),
		TaskCount:     taskCount,
		ContextExists: contextExists,
		CheckedAt:     time.Now().UTC(),
	}, nil
}
