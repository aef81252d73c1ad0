package contexts

import (
	"context"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// ReusableInsightPrefix marks a subtask insight for automatic promotion to
// the project context on completion.
const ReusableInsightPrefix = "REUSABLE:"

// Syncer mirrors task and subtask state into the context hierarchy. Sync
// runs after the owning entity write commits; a sync failure is reported to
// the caller but never unwinds the entity write.
type Syncer struct {
	resolver *Resolver
	engine   *DelegationEngine
	logger   observability.Logger
}

// NewSyncer wires the sync service.
func NewSyncer(resolver *Resolver, engine *DelegationEngine, logger observability.Logger) *Syncer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Syncer{resolver: resolver, engine: engine, logger: logger}
}

// EnsureTaskContext creates the task's context row when its branch context
// exists. It reports whether a row was created; a missing branch context is
// not an error, the task simply runs without one until the chain is built.
func (s *Syncer) EnsureTaskContext(ctx context.Context, task *models.Task, userID string) (bool, error) {
	taskID := task.ID.String()
	if _, err := s.resolver.Get(ctx, models.LevelTask, taskID); err == nil {
		return false, nil
	} else if models.CodeOf(err) != models.ErrCodeNotFound {
		return false, err
	}

	branchID := task.BranchID.String()
	if _, err := s.resolver.Get(ctx, models.LevelBranch, branchID); err != nil {
		if models.CodeOf(err) == models.ErrCodeNotFound {
			s.logger.Debug("Skipping task context creation, branch context missing", map[string]interface{}{
				"task_id":   taskID,
				"branch_id": branchID,
			})
			return false, nil
		}
		return false, err
	}

	err := s.resolver.Create(ctx, &models.Context{
		ID:       taskID,
		Level:    models.LevelTask,
		UserID:   userID,
		BranchID: &branchID,
		Data: models.JSONMap{
			"task_title": task.Title,
			"status":     string(task.Status),
			"priority":   string(task.Priority),
		},
	})
	if err != nil {
		if models.CodeOf(err) == models.ErrCodeAlreadyExists {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SyncTaskUpdate merges the task's current lifecycle fields into its
// context. A missing context is tolerated.
func (s *Syncer) SyncTaskUpdate(ctx context.Context, task *models.Task) error {
	data := models.JSONMap{
		"task_title": task.Title,
		"status":     string(task.Status),
		"priority":   string(task.Priority),
		"updated_at": task.UpdatedAt.Format(time.RFC3339),
	}
	if task.BlockedReason != "" {
		data["blocked_reason"] = task.BlockedReason
	}
	return s.mergeTaskContext(ctx, task, data)
}

// SyncTaskCompletion records the completion payload in the task context.
func (s *Syncer) SyncTaskCompletion(ctx context.Context, task *models.Task) error {
	data := models.JSONMap{
		"status":             string(models.TaskStatusDone),
		"completion_summary": task.CompletionSummary,
	}
	if task.TestingNotes != "" {
		data["testing_notes"] = task.TestingNotes
	}
	if task.CompletedAt != nil {
		data["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	return s.mergeTaskContext(ctx, task, data)
}

// SyncSubtaskProgress writes the parent rollup into the task context.
func (s *Syncer) SyncSubtaskProgress(ctx context.Context, task *models.Task, progress models.SubtaskProgress) error {
	return s.mergeTaskContext(ctx, task, models.JSONMap{
		"subtask_progress": map[string]interface{}{
			"total":             progress.Total,
			"completed":         progress.Completed,
			"percentage":        progress.Percentage,
			"ready_to_complete": progress.ReadyToComplete,
		},
	})
}

func (s *Syncer) mergeTaskContext(ctx context.Context, task *models.Task, data models.JSONMap) error {
	_, err := s.resolver.Update(ctx, models.LevelTask, task.ID.String(), data, UpdateOptions{})
	if err != nil && models.CodeOf(err) == models.ErrCodeNotFound {
		s.logger.Debug("Task has no context to sync", map[string]interface{}{
			"task_id": task.ID.String(),
		})
		return nil
	}
	return err
}

// PromoteSubtaskInsights queues or applies an upward delegation for each
// completed subtask insight marked reusable. With autoDelegate set, every
// insight is promoted regardless of marker. Promotion failures are logged
// and returned as a count, not an error, so completion itself stands.
func (s *Syncer) PromoteSubtaskInsights(ctx context.Context, task *models.Task, subtask *models.Subtask, autoDelegate bool, userID string) []*models.DelegationResult {
	var results []*models.DelegationResult
	for _, insight := range subtask.InsightsFound {
		content := insight
		reusable := false
		if strings.HasPrefix(insight, ReusableInsightPrefix) {
			content = strings.TrimSpace(strings.TrimPrefix(insight, ReusableInsightPrefix))
			reusable = true
		}
		if !reusable && !autoDelegate {
			continue
		}

		result, err := s.engine.Delegate(ctx, DelegationRequest{
			SourceLevel: models.LevelTask,
			SourceID:    task.ID.String(),
			TargetLevel: models.LevelProject,
			Data: models.JSONMap{
				"insights": []interface{}{
					map[string]interface{}{
						"content":     content,
						"source_task": task.ID.String(),
						"subtask":     subtask.ID.String(),
						"recorded_at": time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
			Reason:        "subtask completion insight",
			Auto:          true,
			AutoDelegated: true,
			UserID:        userID,
		})
		if err != nil {
			s.logger.Warn("Failed to promote subtask insight", map[string]interface{}{
				"task_id":    task.ID.String(),
				"subtask_id": subtask.ID.String(),
				"error":      err.Error(),
			})
			continue
		}
		results = append(results, result)
	}
	return results
}
