package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/contexts"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// TaskService implements the task lifecycle: gated completion, next-task
// selection, search, and context synchronization.
type TaskService struct {
	cfg      ServiceConfig
	tasks    repository.TaskRepository
	subtasks repository.SubtaskRepository
	branches repository.BranchRepository
	deps     *DependencyService
	resolver *contexts.Resolver
	syncer   *contexts.Syncer
	txm      repository.TxManager
}

// NewTaskService wires the task service.
func NewTaskService(cfg ServiceConfig, tasks repository.TaskRepository,
	subtasks repository.SubtaskRepository, branches repository.BranchRepository,
	deps *DependencyService, resolver *contexts.Resolver, syncer *contexts.Syncer,
	txm repository.TxManager) *TaskService {
	return &TaskService{
		cfg:      cfg.normalized(),
		tasks:    tasks,
		subtasks: subtasks,
		branches: branches,
		deps:     deps,
		resolver: resolver,
		syncer:   syncer,
		txm:      txm,
	}
}

// CreateTaskInput carries the create parameters.
type CreateTaskInput struct {
	BranchID        uuid.UUID
	Title           string
	Description     string
	Details         string
	Priority        string
	EstimatedEffort string
	DueDate         *time.Time
	Assignees       []string
	Labels          []string
	Dependencies    []uuid.UUID
	UserID          string
}

// TaskWriteResult pairs the task with the context-sync outcome.
type TaskWriteResult struct {
	Task               *models.Task
	ContextAutoCreated bool
	SyncFailed         bool
}

// Create stores the task, its labels and create-time dependencies, refreshes
// the branch counters, and provisions the task context when the branch
// context chain exists.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (*TaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Create")
	defer span.End()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, models.NewValidation("task title is required")
	}
	priority := models.TaskPriorityMedium
	if in.Priority != "" {
		priority = models.TaskPriority(in.Priority)
		if !priority.Valid() {
			return nil, models.NewValidation("unknown priority: %s", in.Priority)
		}
	}
	effort := models.EstimatedEffort(in.EstimatedEffort)
	if !effort.Valid() {
		return nil, models.NewValidation("unknown estimated_effort: %s", in.EstimatedEffort)
	}
	userID := in.UserID
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}

	task := &models.Task{
		BranchID:        in.BranchID,
		Title:           title,
		Description:     in.Description,
		Details:         in.Details,
		Status:          models.TaskStatusTodo,
		Priority:        priority,
		EstimatedEffort: effort,
		DueDate:         in.DueDate,
		Assignees:       models.StringList(in.Assignees),
	}
	result := &TaskWriteResult{Task: task}

	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.branches.Get(ctx, in.BranchID); err != nil {
			return err
		}
		if err := s.tasks.Create(ctx, task); err != nil {
			return err
		}
		if len(in.Labels) > 0 {
			if err := s.tasks.SetLabels(ctx, task.ID, in.Labels); err != nil {
				return err
			}
			task.Labels = models.StringList(in.Labels)
		}
		for _, depID := range in.Dependencies {
			if err := s.deps.addInTx(ctx, task.ID, depID); err != nil {
				return err
			}
		}
		task.Dependencies = in.Dependencies
		if _, err := s.branches.RefreshTaskCounts(ctx, in.BranchID); err != nil {
			return err
		}

		created, err := s.syncer.EnsureTaskContext(ctx, task, userID)
		if err != nil {
			return err
		}
		result.ContextAutoCreated = created
		if created {
			contextID := task.ID.String()
			task.ContextID = &contextID
			return s.tasks.Update(ctx, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cfg.Metrics.RecordAPIOperation("manage_task", "create", true, 0)
	return result, nil
}

// Get fetches a task with labels, dependencies, and subtasks loaded.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Get")
	defer span.End()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskService) loadRelations(ctx context.Context, task *models.Task) error {
	labels, err := s.tasks.GetLabels(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Labels = models.StringList(labels)

	deps, err := s.tasks.ListDependencies(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Dependencies = deps

	subtasks, err := s.subtasks.ListByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Subtasks = subtasks
	return nil
}

// List returns tasks matching the filter.
func (s *TaskService) List(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, error) {
	return s.tasks.List(ctx, filter)
}

// UpdateTaskInput carries the mutable fields; nil means leave unchanged.
type UpdateTaskInput struct {
	Title           *string
	Description     *string
	Details         *string
	Status          *string
	Priority        *string
	EstimatedEffort *string
	DueDate         *time.Time
	ClearDueDate    bool
	Assignees       []string
	Labels          []string
	BlockedReason   *string
}

// Update applies the changed fields under the lifecycle state machine and
// syncs the task context. Moving to done is refused here; only the gated
// complete operation reaches done.
func (s *TaskService) Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput) (*TaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Update")
	defer span.End()

	var task *models.Task
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, id)
		if err != nil {
			return err
		}

		if in.Status != nil {
			next := models.TaskStatus(*in.Status)
			if !next.Valid() {
				return models.NewValidation("unknown status: %s", *in.Status)
			}
			if next == models.TaskStatusDone {
				return models.NewValidation(
					"status cannot be set to done directly; use the complete action")
			}
			if next != task.Status {
				if !task.Status.CanTransitionTo(next) {
					return models.NewValidation(
						"invalid status transition %s -> %s", task.Status, next).
						WithDetail("from", string(task.Status)).
						WithDetail("to", string(next))
				}
				if next == models.TaskStatusBlocked {
					if in.BlockedReason == nil || strings.TrimSpace(*in.BlockedReason) == "" {
						return models.NewValidation("blocking a task requires blocked_reason")
					}
					task.BlockedReason = strings.TrimSpace(*in.BlockedReason)
				} else {
					task.BlockedReason = ""
				}
				if task.Status == models.TaskStatusDone {
					// Reopening clears the completion payload.
					task.CompletionSummary = ""
					task.TestingNotes = ""
					task.CompletedAt = nil
				}
				task.Status = next
			}
		}
		if in.Title != nil {
			if strings.TrimSpace(*in.Title) == "" {
				return models.NewValidation("task title cannot be empty")
			}
			task.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			task.Description = *in.Description
		}
		if in.Details != nil {
			task.Details = *in.Details
		}
		if in.Priority != nil {
			priority := models.TaskPriority(*in.Priority)
			if !priority.Valid() {
				return models.NewValidation("unknown priority: %s", *in.Priority)
			}
			task.Priority = priority
		}
		if in.EstimatedEffort != nil {
			effort := models.EstimatedEffort(*in.EstimatedEffort)
			if !effort.Valid() {
				return models.NewValidation("unknown estimated_effort: %s", *in.EstimatedEffort)
			}
			task.EstimatedEffort = effort
		}
		if in.ClearDueDate {
			task.DueDate = nil
		} else if in.DueDate != nil {
			task.DueDate = in.DueDate
		}
		if in.Assignees != nil {
			task.Assignees = models.StringList(in.Assignees)
		}

		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
		if in.Labels != nil {
			if err := s.tasks.SetLabels(ctx, task.ID, in.Labels); err != nil {
				return err
			}
			task.Labels = models.StringList(in.Labels)
		}
		_, err = s.branches.RefreshTaskCounts(ctx, task.BranchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &TaskWriteResult{Task: task}
	if err := s.syncer.SyncTaskUpdate(ctx, task); err != nil {
		result.SyncFailed = true
		s.cfg.Logger.Warn("Task context sync failed", map[string]interface{}{
			"task_id": id.String(),
			"error":   err.Error(),
		})
	}
	return result, nil
}

// Complete moves the task to done after the completion gates pass:
// a non-empty summary, no unfinished subtasks, and no unfinished
// dependencies. A missing task context is provisioned rather than failing.
// Completing an already-done task is idempotent.
func (s *TaskService) Complete(ctx context.Context, id uuid.UUID, summary, testingNotes string) (*TaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Complete")
	defer span.End()

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, models.NewValidation("completion_summary is required to complete a task")
	}

	var task *models.Task
	result := &TaskWriteResult{}
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		if task.Status == models.TaskStatusDone {
			return nil
		}
		if task.Status == models.TaskStatusCancelled {
			return models.NewValidation("cancelled tasks cannot be completed; reopen first")
		}

		subtasks, err := s.subtasks.ListByTask(ctx, id)
		if err != nil {
			return err
		}
		var blockingSubtasks []string
		for _, subtask := range subtasks {
			if subtask.Status != models.TaskStatusDone {
				blockingSubtasks = append(blockingSubtasks, subtask.ID.String())
			}
		}
		if len(blockingSubtasks) > 0 {
			return models.NewInvariantViolation(
				"task has unfinished subtasks", "blocking_subtasks", blockingSubtasks)
		}

		depIDs, err := s.tasks.ListDependencies(ctx, id)
		if err != nil {
			return err
		}
		var blockingDeps []string
		for _, depID := range depIDs {
			dep, err := s.tasks.Get(ctx, depID)
			if err != nil {
				return err
			}
			if dep.Status != models.TaskStatusDone {
				blockingDeps = append(blockingDeps, depID.String())
			}
		}
		if len(blockingDeps) > 0 {
			return models.NewInvariantViolation(
				"task has unfinished dependencies", "blocking_dependencies", blockingDeps)
		}

		created, err := s.syncer.EnsureTaskContext(ctx, task, s.cfg.DefaultUserID)
		if err != nil {
			return err
		}
		result.ContextAutoCreated = created
		if created {
			contextID := task.ID.String()
			task.ContextID = &contextID
		}

		now := time.Now().UTC()
		task.Status = models.TaskStatusDone
		task.CompletionSummary = summary
		task.TestingNotes = testingNotes
		task.CompletedAt = &now
		task.BlockedReason = ""
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
		_, err = s.branches.RefreshTaskCounts(ctx, task.BranchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Task = task
	if task.Status == models.TaskStatusDone && task.CompletionSummary == summary {
		if err := s.syncer.SyncTaskCompletion(ctx, task); err != nil {
			result.SyncFailed = true
			s.cfg.Logger.Warn("Completion context sync failed", map[string]interface{}{
				"task_id": id.String(),
				"error":   err.Error(),
			})
		}
	}
	s.cfg.Metrics.RecordAPIOperation("manage_task", "complete", true, 0)
	return result, nil
}

// Delete removes the task and its context, then refreshes branch counters.
func (s *TaskService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Delete")
	defer span.End()

	return s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		task, err := s.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		err = s.resolver.Delete(ctx, models.LevelTask, id.String())
		if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
			return err
		}
		if err := s.tasks.Delete(ctx, id); err != nil {
			return err
		}
		_, err = s.branches.RefreshTaskCounts(ctx, task.BranchID)
		return err
	})
}

// Next returns the highest-priority actionable task in the branch: not
// terminal, not blocked, every dependency done. Ties break on older
// created_at, then lexicographic id, so selection is deterministic. A nil
// task with no error means the branch has nothing actionable.
func (s *TaskService) Next(ctx context.Context, branchID uuid.UUID) (*models.Task, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Next")
	defer span.End()

	if _, err := s.branches.Get(ctx, branchID); err != nil {
		return nil, err
	}

	candidates, err := s.tasks.List(ctx, repository.TaskFilter{
		BranchID:        &branchID,
		ExcludeTerminal: true,
	})
	if err != nil {
		return nil, err
	}

	var actionable []*models.Task
	for _, task := range candidates {
		if task.Status == models.TaskStatusBlocked {
			continue
		}
		depIDs, err := s.tasks.ListDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		satisfied := true
		for _, depID := range depIDs {
			dep, err := s.tasks.Get(ctx, depID)
			if err != nil {
				return nil, err
			}
			if dep.Status != models.TaskStatusDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			actionable = append(actionable, task)
		}
	}
	if len(actionable) == 0 {
		return nil, nil
	}

	sort.Slice(actionable, func(i, j int) bool {
		a, b := actionable[i], actionable[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	next := actionable[0]
	if err := s.loadRelations(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Search matches every whitespace token case-insensitively against title,
// description, details, and label names, then ranks by how many fields hit,
// newest first on ties. An empty query returns an empty result.
func (s *TaskService) Search(ctx context.Context, branchID *uuid.UUID, query string, limit int) ([]*models.Task, error) {
	ctx, span := s.cfg.Tracer(ctx, "TaskService.Search")
	defer span.End()

	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return []*models.Task{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	matches, err := s.tasks.Search(ctx, repository.SearchFilter{
		BranchID: branchID,
		Tokens:   tokens,
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		task  *models.Task
		score int
	}
	ranked := make([]scored, 0, len(matches))
	for _, task := range matches {
		labels, err := s.tasks.GetLabels(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.Labels = models.StringList(labels)
		ranked = append(ranked, scored{task: task, score: searchScore(task, tokens)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].task.CreatedAt.Equal(ranked[j].task.CreatedAt) {
			return ranked[i].task.CreatedAt.After(ranked[j].task.CreatedAt)
		}
		return ranked[i].task.ID.String() < ranked[j].task.ID.String()
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*models.Task, len(ranked))
	for i, entry := range ranked {
		out[i] = entry.task
	}
	return out, nil
}

// searchScore counts token hits across the searchable fields.
func searchScore(task *models.Task, tokens []string) int {
	fields := []string{
		strings.ToLower(task.Title),
		strings.ToLower(task.Description),
		strings.ToLower(task.Details),
	}
	labelBlob := strings.ToLower(strings.Join(task.Labels, " "))

	score := 0
	for _, token := range tokens {
		for _, field := range fields {
			if strings.Contains(field, token) {
				score++
			}
		}
		if strings.Contains(labelBlob, token) {
			score++
		}
	}
	return score
}
