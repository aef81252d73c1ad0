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

// BranchService manages branches, agent assignment, and branch statistics.
type BranchService struct {
	cfg      ServiceConfig
	branches repository.BranchRepository
	projects repository.ProjectRepository
	tasks    repository.TaskRepository
	agents   repository.AgentRepository
	resolver *contexts.Resolver
	txm      repository.TxManager
}

// NewBranchService wires the branch service.
func NewBranchService(cfg ServiceConfig, branches repository.BranchRepository,
	projects repository.ProjectRepository, tasks repository.TaskRepository,
	agents repository.AgentRepository, resolver *contexts.Resolver,
	txm repository.TxManager) *BranchService {
	return &BranchService{
		cfg:      cfg.normalized(),
		branches: branches,
		projects: projects,
		tasks:    tasks,
		agents:   agents,
		resolver: resolver,
		txm:      txm,
	}
}

// CreateBranchInput carries the create parameters.
type CreateBranchInput struct {
	ProjectID   uuid.UUID
	Name        string
	Description string
	Priority    string
	UserID      string
}

// BranchWriteResult pairs the entity with the context outcome.
type BranchWriteResult struct {
	Branch         *models.Branch
	ContextCreated bool
	SyncFailed     bool
}

// Create stores the branch and its branch-level context in one transaction.
// A missing project context skips context creation rather than failing.
func (s *BranchService) Create(ctx context.Context, in CreateBranchInput) (*BranchWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.Create")
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, models.NewValidation("branch name is required")
	}
	priority := models.TaskPriorityMedium
	if in.Priority != "" {
		priority = models.TaskPriority(in.Priority)
		if !priority.Valid() {
			return nil, models.NewValidation("unknown priority: %s", in.Priority)
		}
	}
	userID := in.UserID
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}

	branch := &models.Branch{
		ProjectID:   in.ProjectID,
		Name:        name,
		Description: in.Description,
		Status:      models.TaskStatusTodo,
		Priority:    priority,
	}
	result := &BranchWriteResult{Branch: branch}

	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.projects.Get(ctx, in.ProjectID); err != nil {
			return err
		}
		if err := s.branches.Create(ctx, branch); err != nil {
			return err
		}

		projectID := in.ProjectID.String()
		if _, err := s.resolver.Get(ctx, models.LevelProject, projectID); err != nil {
			if models.CodeOf(err) == models.ErrCodeNotFound {
				return nil
			}
			return err
		}
		err := s.resolver.Create(ctx, &models.Context{
			ID:        branch.ID.String(),
			Level:     models.LevelBranch,
			UserID:    userID,
			ProjectID: &projectID,
			Data: models.JSONMap{
				"branch_name": branch.Name,
				"status":      string(branch.Status),
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

	s.cfg.Logger.Info("Created branch", map[string]interface{}{
		"git_branch_id": branch.ID.String(),
		"project_id":    in.ProjectID.String(),
		"name":          branch.Name,
	})
	return result, nil
}

// Get fetches one branch by id.
func (s *BranchService) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	return s.branches.Get(ctx, id)
}

// List returns the branches of a project.
func (s *BranchService) List(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.branches.ListByProject(ctx, projectID)
}

// UpdateBranchInput carries the mutable fields; nil means leave unchanged.
type UpdateBranchInput struct {
	Name        *string
	Description *string
	Status      *string
	Priority    *string
}

// Update applies the changed fields and mirrors lifecycle state into the
// branch context.
func (s *BranchService) Update(ctx context.Context, id uuid.UUID, in UpdateBranchInput) (*BranchWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.Update")
	defer span.End()

	var branch *models.Branch
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		branch, err = s.branches.Get(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			if strings.TrimSpace(*in.Name) == "" {
				return models.NewValidation("branch name cannot be empty")
			}
			branch.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			branch.Description = *in.Description
		}
		if in.Status != nil {
			status := models.TaskStatus(*in.Status)
			if !status.Valid() {
				return models.NewValidation("unknown status: %s", *in.Status)
			}
			branch.Status = status
		}
		if in.Priority != nil {
			priority := models.TaskPriority(*in.Priority)
			if !priority.Valid() {
				return models.NewValidation("unknown priority: %s", *in.Priority)
			}
			branch.Priority = priority
		}
		return s.branches.Update(ctx, branch)
	})
	if err != nil {
		return nil, err
	}

	result := &BranchWriteResult{Branch: branch}
	_, err = s.resolver.Update(ctx, models.LevelBranch, id.String(), models.JSONMap{
		"branch_name": branch.Name,
		"status":      string(branch.Status),
	}, contexts.UpdateOptions{})
	if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
		result.SyncFailed = true
		s.cfg.Logger.Warn("Branch context sync failed", map[string]interface{}{
			"git_branch_id": id.String(),
			"error":         err.Error(),
		})
	}
	return result, nil
}

// Delete removes the branch, its tasks (database cascade), and the contexts
// underneath it.
func (s *BranchService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.Delete")
	defer span.End()

	return s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.branches.Get(ctx, id); err != nil {
			return err
		}
		branchID := id
		tasks, err := s.tasks.List(ctx, repository.TaskFilter{BranchID: &branchID})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			err := s.resolver.Delete(ctx, models.LevelTask, task.ID.String())
			if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
				return err
			}
		}
		err = s.resolver.Delete(ctx, models.LevelBranch, id.String())
		if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
			return err
		}
		return s.branches.Delete(ctx, id)
	})
}

// AssignAgent links an agent to the branch. The assignment table is the
// source of truth; the denormalized column is refreshed as a convenience.
func (s *BranchService) AssignAgent(ctx context.Context, branchID, agentID uuid.UUID) (*models.Branch, error) {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.AssignAgent")
	defer span.End()

	var branch *models.Branch
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		branch, err = s.branches.Get(ctx, branchID)
		if err != nil {
			return err
		}
		agent, err := s.agents.Get(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.ProjectID != branch.ProjectID {
			return models.NewValidation("agent %s belongs to a different project", agentID)
		}
		if err := s.agents.Assign(ctx, agentID, branchID); err != nil {
			return err
		}
		branch.AssignedAgentID = &agentID
		return s.branches.Update(ctx, branch)
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// UnassignAgent removes the assignment link.
func (s *BranchService) UnassignAgent(ctx context.Context, branchID, agentID uuid.UUID) (*models.Branch, error) {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.UnassignAgent")
	defer span.End()

	var branch *models.Branch
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		branch, err = s.branches.Get(ctx, branchID)
		if err != nil {
			return err
		}
		if err := s.agents.Unassign(ctx, agentID, branchID); err != nil {
			return err
		}
		if branch.AssignedAgentID != nil && *branch.AssignedAgentID == agentID {
			branch.AssignedAgentID = nil
			return s.branches.Update(ctx, branch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// Statistics builds the per-branch progress view. Assigned agents come from
// the live assignment table so a stale denormalized column cannot skew it.
func (s *BranchService) Statistics(ctx context.Context, branchID uuid.UUID) (*models.BranchStatistics, error) {
	ctx, span := s.cfg.Tracer(ctx, "BranchService.Statistics")
	defer span.End()

	branch, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.branches.CountTasksByStatus(ctx, branchID)
	if err != nil {
		return nil, err
	}
	agents, err := s.agents.ListBranchAgents(ctx, branchID)
	if err != nil {
		return nil, err
	}
	agentNames := make([]string, len(agents))
	for i, agent := range agents {
		agentNames[i] = agent.Name
	}

	return &models.BranchStatistics{
		BranchID:           branch.ID.String(),
		Name:               branch.Name,
		TaskCount:          branch.TaskCount,
		CompletedTaskCount: branch.CompletedTaskCount,
		ProgressPercentage: branch.ProgressPercentage(),
		TasksByStatus:      byStatus,
		AssignedAgents:     agentNames,
		GeneratedAt:        time.Now().UTC(),
	}, nil
}
