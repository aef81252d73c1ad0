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

// SubtaskService manages nested units of work and rolls their progress up
// into the parent task's context.
type SubtaskService struct {
	cfg      ServiceConfig
	subtasks repository.SubtaskRepository
	tasks    repository.TaskRepository
	syncer   *contexts.Syncer
	txm      repository.TxManager
}

// NewSubtaskService wires the subtask service.
func NewSubtaskService(cfg ServiceConfig, subtasks repository.SubtaskRepository,
	tasks repository.TaskRepository, syncer *contexts.Syncer,
	txm repository.TxManager) *SubtaskService {
	return &SubtaskService{
		cfg:      cfg.normalized(),
		subtasks: subtasks,
		tasks:    tasks,
		syncer:   syncer,
		txm:      txm,
	}
}

// CreateSubtaskInput carries the create parameters.
type CreateSubtaskInput struct {
	TaskID      uuid.UUID
	Title       string
	Description string
	Priority    string
	Assignees   []string
}

// SubtaskWriteResult pairs the subtask with the parent rollup.
type SubtaskWriteResult struct {
	Subtask     *models.Subtask
	Progress    models.SubtaskProgress
	Delegations []*models.DelegationResult
	SyncFailed  bool
}

// Create stores the subtask under a live parent task and recomputes the
// rollup. Terminal parents refuse new subtasks.
func (s *SubtaskService) Create(ctx context.Context, in CreateSubtaskInput) (*SubtaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "SubtaskService.Create")
	defer span.End()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, models.NewValidation("subtask title is required")
	}
	priority := models.TaskPriorityMedium
	if in.Priority != "" {
		priority = models.TaskPriority(in.Priority)
		if !priority.Valid() {
			return nil, models.NewValidation("unknown priority: %s", in.Priority)
		}
	}

	subtask := &models.Subtask{
		TaskID:      in.TaskID,
		Title:       title,
		Description: in.Description,
		Status:      models.TaskStatusTodo,
		Priority:    priority,
		Assignees:   models.StringList(in.Assignees),
	}

	var task *models.Task
	var progress models.SubtaskProgress
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, in.TaskID)
		if err != nil {
			return err
		}
		if task.IsTerminal() {
			return models.NewValidation(
				"cannot add subtasks to a %s task", task.Status)
		}
		if err := s.subtasks.Create(ctx, subtask); err != nil {
			return err
		}
		progress, err = s.rollup(ctx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &SubtaskWriteResult{Subtask: subtask, Progress: progress}
	s.syncProgress(ctx, task, progress, result)
	return result, nil
}

// Get fetches a subtask, verifying it belongs to the given parent.
func (s *SubtaskService) Get(ctx context.Context, taskID, subtaskID uuid.UUID) (*models.Subtask, error) {
	subtask, err := s.subtasks.Get(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if subtask.TaskID != taskID {
		return nil, models.NewNotFound("subtask", subtaskID.String())
	}
	return subtask, nil
}

// List returns a task's subtasks plus the current rollup.
func (s *SubtaskService) List(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, models.SubtaskProgress, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, models.SubtaskProgress{}, err
	}
	subtasks, err := s.subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return nil, models.SubtaskProgress{}, err
	}
	return subtasks, models.RollupProgress(taskID, subtasks), nil
}

// UpdateSubtaskInput carries the mutable fields; nil means leave unchanged.
type UpdateSubtaskInput struct {
	Title              *string
	Description        *string
	Status             *string
	Priority           *string
	Assignees          []string
	ProgressPercentage *int
	ProgressNotes      *string
	Blockers           *string
}

// Update applies the changed fields under the shared status machine and
// rolls progress up to the parent context.
func (s *SubtaskService) Update(ctx context.Context, taskID, subtaskID uuid.UUID, in UpdateSubtaskInput) (*SubtaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "SubtaskService.Update")
	defer span.End()

	var task *models.Task
	var subtask *models.Subtask
	var progress models.SubtaskProgress
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		subtask, err = s.subtasks.Get(ctx, subtaskID)
		if err != nil {
			return err
		}
		if subtask.TaskID != taskID {
			return models.NewNotFound("subtask", subtaskID.String())
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
			if next != subtask.Status && !subtask.Status.CanTransitionTo(next) {
				return models.NewValidation(
					"invalid status transition %s -> %s", subtask.Status, next)
			}
			if subtask.Status == models.TaskStatusDone && next != models.TaskStatusDone {
				subtask.CompletionSummary = ""
				subtask.CompletedAt = nil
			}
			subtask.Status = next
		}
		if in.Title != nil {
			if strings.TrimSpace(*in.Title) == "" {
				return models.NewValidation("subtask title cannot be empty")
			}
			subtask.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			subtask.Description = *in.Description
		}
		if in.Priority != nil {
			priority := models.TaskPriority(*in.Priority)
			if !priority.Valid() {
				return models.NewValidation("unknown priority: %s", *in.Priority)
			}
			subtask.Priority = priority
		}
		if in.Assignees != nil {
			subtask.Assignees = models.StringList(in.Assignees)
		}
		if in.ProgressPercentage != nil {
			pct := *in.ProgressPercentage
			if pct < 0 || pct > 100 {
				return models.NewValidation("progress_percentage must be between 0 and 100")
			}
			subtask.ProgressPercentage = pct
		}
		if in.ProgressNotes != nil {
			subtask.ProgressNotes = *in.ProgressNotes
		}
		if in.Blockers != nil {
			subtask.Blockers = *in.Blockers
		}

		if err := s.subtasks.Update(ctx, subtask); err != nil {
			return err
		}
		progress, err = s.rollup(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &SubtaskWriteResult{Subtask: subtask, Progress: progress}
	s.syncProgress(ctx, task, progress, result)
	return result, nil
}

// CompleteSubtaskInput carries the completion payload.
type CompleteSubtaskInput struct {
	TaskID             uuid.UUID
	SubtaskID          uuid.UUID
	CompletionSummary  string
	ImpactOnParent     string
	ChallengesOvercome string
	InsightsFound      []string
	// AutoDelegate promotes every insight to the project context; without
	// it only insights carrying the reusable marker are promoted.
	AutoDelegate bool
	UserID       string
}

// Complete marks the subtask done with its summary, rolls progress up, and
// promotes reusable insights to the project context. Completing an
// already-done subtask is idempotent.
func (s *SubtaskService) Complete(ctx context.Context, in CompleteSubtaskInput) (*SubtaskWriteResult, error) {
	ctx, span := s.cfg.Tracer(ctx, "SubtaskService.Complete")
	defer span.End()

	summary := strings.TrimSpace(in.CompletionSummary)
	if summary == "" {
		return nil, models.NewValidation("completion_summary is required to complete a subtask")
	}

	var task *models.Task
	var subtask *models.Subtask
	var progress models.SubtaskProgress
	alreadyDone := false
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, in.TaskID)
		if err != nil {
			return err
		}
		subtask, err = s.subtasks.Get(ctx, in.SubtaskID)
		if err != nil {
			return err
		}
		if subtask.TaskID != in.TaskID {
			return models.NewNotFound("subtask", in.SubtaskID.String())
		}
		if subtask.Status == models.TaskStatusDone {
			alreadyDone = true
			progress, err = s.rollup(ctx, in.TaskID)
			return err
		}

		now := time.Now().UTC()
		subtask.Status = models.TaskStatusDone
		subtask.ProgressPercentage = 100
		subtask.CompletionSummary = summary
		subtask.ImpactOnParent = in.ImpactOnParent
		subtask.ChallengesOvercome = in.ChallengesOvercome
		subtask.InsightsFound = models.StringList(in.InsightsFound)
		subtask.CompletedAt = &now

		if err := s.subtasks.Update(ctx, subtask); err != nil {
			return err
		}
		progress, err = s.rollup(ctx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &SubtaskWriteResult{Subtask: subtask, Progress: progress}
	if alreadyDone {
		return result, nil
	}

	s.syncProgress(ctx, task, progress, result)
	result.Delegations = s.syncer.PromoteSubtaskInsights(ctx, task, subtask, in.AutoDelegate, in.UserID)
	return result, nil
}

// Delete removes the subtask and rolls the parent progress back up.
func (s *SubtaskService) Delete(ctx context.Context, taskID, subtaskID uuid.UUID) (models.SubtaskProgress, error) {
	ctx, span := s.cfg.Tracer(ctx, "SubtaskService.Delete")
	defer span.End()

	var task *models.Task
	var progress models.SubtaskProgress
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		subtask, err := s.subtasks.Get(ctx, subtaskID)
		if err != nil {
			return err
		}
		if subtask.TaskID != taskID {
			return models.NewNotFound("subtask", subtaskID.String())
		}
		if err := s.subtasks.Delete(ctx, subtaskID); err != nil {
			return err
		}
		progress, err = s.rollup(ctx, taskID)
		return err
	})
	if err != nil {
		return models.SubtaskProgress{}, err
	}

	if err := s.syncer.SyncSubtaskProgress(ctx, task, progress); err != nil {
		s.cfg.Logger.Warn("Subtask rollup sync failed", map[string]interface{}{
			"task_id": taskID.String(),
			"error":   err.Error(),
		})
	}
	return progress, nil
}

func (s *SubtaskService) rollup(ctx context.Context, taskID uuid.UUID) (models.SubtaskProgress, error) {
	subtasks, err := s.subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return models.SubtaskProgress{}, err
	}
	return models.RollupProgress(taskID, subtasks), nil
}

func (s *SubtaskService) syncProgress(ctx context.Context, task *models.Task, progress models.SubtaskProgress, result *SubtaskWriteResult) {
	if err := s.syncer.SyncSubtaskProgress(ctx, task, progress); err != nil {
		result.SyncFailed = true
		s.cfg.Logger.Warn("Subtask rollup sync failed", map[string]interface{}{
			"task_id": task.ID.String(),
			"error":   err.Error(),
		})
	}
}
