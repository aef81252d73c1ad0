package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// SubtaskAPI is the service surface the subtask tool needs.
type SubtaskAPI interface {
	Create(ctx context.Context, in services.CreateSubtaskInput) (*services.SubtaskWriteResult, error)
	Get(ctx context.Context, taskID, subtaskID uuid.UUID) (*models.Subtask, error)
	List(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, models.SubtaskProgress, error)
	Update(ctx context.Context, taskID, subtaskID uuid.UUID, in services.UpdateSubtaskInput) (*services.SubtaskWriteResult, error)
	Complete(ctx context.Context, in services.CompleteSubtaskInput) (*services.SubtaskWriteResult, error)
	Delete(ctx context.Context, taskID, subtaskID uuid.UUID) (models.SubtaskProgress, error)
}

var subtaskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "list", "get", "update", "complete", "delete"]},
		"task_id": {"type": "string"},
		"subtask_id": {"type": "string"},
		"title": {"type": "string"},
		"description": {"type": "string"},
		"status": {"type": "string"},
		"priority": {"type": "string"},
		"assignees": {"type": ["array", "string"]},
		"progress_percentage": {"type": ["integer", "string"]},
		"progress_notes": {"type": "string"},
		"blockers": {"type": "string"},
		"completion_summary": {"type": "string"},
		"impact_on_parent": {"type": "string"},
		"challenges_overcome": {"type": "string"},
		"insights_found": {"type": ["array", "string"]},
		"auto_delegate": {"type": ["boolean", "string", "integer"]},
		"user_id": {"type": "string"}
	},
	"required": ["action"]
}`)

type subtaskTool struct {
	controller
	subtasks SubtaskAPI
}

func newSubtaskTool(subtasks SubtaskAPI, fmtr *formatter) *subtaskTool {
	t := &subtaskTool{subtasks: subtasks}
	t.controller = controller{
		name:        "manage_subtask",
		description: "Manage subtasks under a task: progress tracking, completion with insight promotion, and rollup.",
		schema:      subtaskSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"create":   t.create,
			"list":     t.list,
			"get":      t.get,
			"update":   t.update,
			"complete": t.complete,
			"delete":   t.delete,
		},
	}
	return t
}

func (t *subtaskTool) create(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	title, err := p.RequiredString("title")
	if err != nil {
		return nil, err
	}
	assignees, err := p.StringList("assignees")
	if err != nil {
		return nil, err
	}
	result, err := t.subtasks.Create(ctx, services.CreateSubtaskInput{
		TaskID:      taskID,
		Title:       title,
		Description: p.String("description"),
		Priority:    p.String("priority"),
		Assignees:   assignees,
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"subtask":  result.Subtask,
		"progress": result.Progress,
	}, result.SyncFailed), nil
}

func (t *subtaskTool) list(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	subtasks, progress, err := t.subtasks.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"subtasks": subtasks,
		"progress": progress,
		"count":    len(subtasks),
	}), nil
}

func (t *subtaskTool) get(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	subtaskID, err := p.UUID("subtask_id")
	if err != nil {
		return nil, err
	}
	subtask, err := t.subtasks.Get(ctx, taskID, subtaskID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"subtask": subtask}), nil
}

func (t *subtaskTool) update(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	subtaskID, err := p.UUID("subtask_id")
	if err != nil {
		return nil, err
	}
	assignees, err := p.StringList("assignees")
	if err != nil {
		return nil, err
	}
	progress, err := p.IntPtr("progress_percentage")
	if err != nil {
		return nil, err
	}
	result, err := t.subtasks.Update(ctx, taskID, subtaskID, services.UpdateSubtaskInput{
		Title:              p.StringPtr("title"),
		Description:        p.StringPtr("description"),
		Status:             p.StringPtr("status"),
		Priority:           p.StringPtr("priority"),
		Assignees:          assignees,
		ProgressPercentage: progress,
		ProgressNotes:      p.StringPtr("progress_notes"),
		Blockers:           p.StringPtr("blockers"),
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"subtask":  result.Subtask,
		"progress": result.Progress,
	}, result.SyncFailed), nil
}

func (t *subtaskTool) complete(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	subtaskID, err := p.UUID("subtask_id")
	if err != nil {
		return nil, err
	}
	insights, err := p.StringList("insights_found")
	if err != nil {
		return nil, err
	}
	autoDelegate, err := p.Bool("auto_delegate", false)
	if err != nil {
		return nil, err
	}
	result, err := t.subtasks.Complete(ctx, services.CompleteSubtaskInput{
		TaskID:             taskID,
		SubtaskID:          subtaskID,
		CompletionSummary:  p.String("completion_summary"),
		ImpactOnParent:     p.String("impact_on_parent"),
		ChallengesOvercome: p.String("challenges_overcome"),
		InsightsFound:      insights,
		AutoDelegate:       autoDelegate,
		UserID:             p.String("user_id"),
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"subtask":           result.Subtask,
		"progress":          result.Progress,
		"delegation_result": result.Delegations,
	}, result.SyncFailed), nil
}

func (t *subtaskTool) delete(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	subtaskID, err := p.UUID("subtask_id")
	if err != nil {
		return nil, err
	}
	progress, err := t.subtasks.Delete(ctx, taskID, subtaskID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"subtask_id": subtaskID.String(),
		"deleted":    true,
		"progress":   progress,
	}), nil
}
