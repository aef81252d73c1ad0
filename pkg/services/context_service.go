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

// ContextService fronts the context hierarchy for the manage_context tool:
// CRUD, resolution, insights and progress entries, and the delegation queue.
type ContextService struct {
	cfg      ServiceConfig
	resolver *contexts.Resolver
	engine   *contexts.DelegationEngine
	tasks    repository.TaskRepository
	branches repository.BranchRepository
	txm      repository.TxManager
}

// NewContextService wires the context service.
func NewContextService(cfg ServiceConfig, resolver *contexts.Resolver,
	engine *contexts.DelegationEngine, tasks repository.TaskRepository,
	branches repository.BranchRepository, txm repository.TxManager) *ContextService {
	return &ContextService{
		cfg:      cfg.normalized(),
		resolver: resolver,
		engine:   engine,
		tasks:    tasks,
		branches: branches,
		txm:      txm,
	}
}

// Create stores a context for an existing entity. Parent pointers are
// derived from the owning entity, so a task context lands under the task's
// real branch whatever the caller passes.
func (s *ContextService) Create(ctx context.Context, level models.ContextLevel, id string, data models.JSONMap, userID string) (*models.Context, error) {
	ctx, span := s.cfg.Tracer(ctx, "ContextService.Create")
	defer span.End()

	if userID == "" {
		userID = s.cfg.DefaultUserID
	}
	c := &models.Context{
		ID:     id,
		Level:  level,
		UserID: userID,
		Data:   data,
	}

	switch level {
	case models.LevelGlobal:
		c.ID = models.GlobalContextID
	case models.LevelTask:
		taskID, err := uuid.Parse(id)
		if err != nil {
			return nil, models.NewValidation("task context id must be the task uuid")
		}
		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		branchID := task.BranchID.String()
		c.BranchID = &branchID
	case models.LevelBranch:
		branchID, err := uuid.Parse(id)
		if err != nil {
			return nil, models.NewValidation("branch context id must be the branch uuid")
		}
		branch, err := s.branches.Get(ctx, branchID)
		if err != nil {
			return nil, err
		}
		projectID := branch.ProjectID.String()
		c.ProjectID = &projectID
	case models.LevelProject:
		// The parent is always the global singleton; nothing to derive.
	default:
		return nil, models.NewValidation("unknown context level: %s", level)
	}

	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		return s.resolver.Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the raw stored context.
func (s *ContextService) Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return s.resolver.Get(ctx, level, id)
}

// UpdateContextInput tunes an update call.
type UpdateContextInput struct {
	Data            models.JSONMap
	ExpectedVersion *int
	ReplaceData     bool
}

// Update merges (or replaces) data on the stored context. Dependent cached
// resolutions are invalidated as part of the write.
func (s *ContextService) Update(ctx context.Context, level models.ContextLevel, id string, in UpdateContextInput) (*models.Context, error) {
	ctx, span := s.cfg.Tracer(ctx, "ContextService.Update")
	defer span.End()

	if len(in.Data) == 0 && !in.ReplaceData {
		return nil, models.NewValidation("update requires a non-empty data object")
	}

	var updated *models.Context
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.resolver.Update(ctx, level, id, in.Data, contexts.UpdateOptions{
			ExpectedVersion: in.ExpectedVersion,
			ReplaceData:     in.ReplaceData,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the context; refused while child contexts exist.
func (s *ContextService) Delete(ctx context.Context, level models.ContextLevel, id string) error {
	return s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		return s.resolver.Delete(ctx, level, id)
	})
}

// Resolve returns the merged inherited view.
func (s *ContextService) Resolve(ctx context.Context, level models.ContextLevel, id string, forceRefresh, includeInherited bool) (*models.ResolvedContext, error) {
	return s.resolver.Resolve(ctx, level, id, contexts.ResolveOptions{
		ForceRefresh:     forceRefresh,
		IncludeInherited: includeInherited,
	})
}

// List returns stored contexts at one level.
func (s *ContextService) List(ctx context.Context, level models.ContextLevel, filter repository.ContextFilter) ([]*models.Context, error) {
	if !level.Valid() {
		return nil, models.NewValidation("unknown context level: %s", level)
	}
	return s.resolver.List(ctx, level, filter)
}

// AddInsight appends a structured insight entry to the context. The entry is
// mirrored under data.insights so it participates in inheritance merges.
func (s *ContextService) AddInsight(ctx context.Context, level models.ContextLevel, id, content, category, importance string) (*models.Context, error) {
	ctx, span := s.cfg.Tracer(ctx, "ContextService.AddInsight")
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidation("insight content is required")
	}
	entry := map[string]interface{}{
		"content":     content,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}
	if category != "" {
		entry["category"] = category
	}
	if importance != "" {
		entry["importance"] = importance
	}

	var updated *models.Context
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.resolver.Apply(ctx, level, id, nil, func(c *models.Context) error {
			c.Insights = append(c.Insights, entry)
			c.Data = contexts.MergeData(c.Data, models.JSONMap{
				"insights": []interface{}{entry},
			})
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddProgress appends a progress note to the context.
func (s *ContextService) AddProgress(ctx context.Context, level models.ContextLevel, id, content string, percentage *int) (*models.Context, error) {
	ctx, span := s.cfg.Tracer(ctx, "ContextService.AddProgress")
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidation("progress content is required")
	}
	if percentage != nil && (*percentage < 0 || *percentage > 100) {
		return nil, models.NewValidation("percentage must be between 0 and 100")
	}
	entry := map[string]interface{}{
		"content":     content,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}
	if percentage != nil {
		entry["percentage"] = *percentage
	}

	var updated *models.Context
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.resolver.Apply(ctx, level, id, nil, func(c *models.Context) error {
			c.Progress = append(c.Progress, entry)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delegate promotes data from a context to one of its ancestors.
func (s *ContextService) Delegate(ctx context.Context, req contexts.DelegationRequest) (*models.DelegationResult, error) {
	if req.UserID == "" {
		req.UserID = s.cfg.DefaultUserID
	}
	var result *models.DelegationResult
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.engine.Delegate(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListDelegations returns queue entries, pending ones unless the filter says
// otherwise.
func (s *ContextService) ListDelegations(ctx context.Context, filter repository.DelegationFilter) ([]*models.ContextDelegation, error) {
	return s.engine.List(ctx, filter)
}

// ApproveDelegation applies a queued delegation.
func (s *ContextService) ApproveDelegation(ctx context.Context, id string) (*models.DelegationResult, error) {
	var result *models.DelegationResult
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.engine.Approve(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectDelegation declines a queued delegation.
func (s *ContextService) RejectDelegation(ctx context.Context, id, reason string) (*models.ContextDelegation, error) {
	var rejected *models.ContextDelegation
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		rejected, err = s.engine.Reject(ctx, id, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// CacheStats reports resolve-cache behaviour for diagnostics.
func (s *ContextService) CacheStats() contexts.CacheStats {
	return s.resolver.Cache().Stats()
}
