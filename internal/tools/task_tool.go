package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// TaskAPI is the service surface the task tool needs.
type TaskAPI interface {
	Create(ctx context.Context, in services.CreateTaskInput) (*services.TaskWriteResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateTaskInput) (*services.TaskWriteResult, error)
	Complete(ctx context.Context, id uuid.UUID, summary, testingNotes string) (*services.TaskWriteResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Next(ctx context.Context, branchID uuid.UUID) (*models.Task, error)
	Search(ctx context.Context, branchID *uuid.UUID, query string, limit int) ([]*models.Task, error)
}

var taskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "get", "list", "update", "delete", "complete", "next", "search", "add_dependency", "remove_dependency"]},
		"task_id": {"type": "string"},
		"branch_id": {"type": "string"},
		"depends_on": {"type": "string"},
		"title": {"type": "string"},
		"description": {"type": "string"},
		"details": {"type": "string"},
		"status": {"type": "string"},
		"priority": {"type": "string"},
		"estimated_effort": {"type": "string"},
		"due_date": {"type": "string"},
		"blocked_reason": {"type": "string"},
		"completion_summary": {"type": "string"},
		"testing_notes": {"type": "string"},
		"assignees": {"type": ["array", "string"]},
		"labels": {"type": ["array", "string"]},
		"dependencies": {"type": ["array", "string"]},
		"query": {"type": "string"},
		"assignee": {"type": "string"},
		"label": {"type": "string"},
		"exclude_terminal": {"type": ["boolean", "string", "integer"]},
		"limit": {"type": ["integer", "string"]},
		"offset": {"type": ["integer", "string"]},
		"user_id": {"type": "string"}
	},
	"required": ["action"]
}`)

type taskTool struct {
	controller
	tasks TaskAPI
	deps  DependencyAPI
}

func newTaskTool(tasks TaskAPI, deps DependencyAPI, fmtr *formatter) *taskTool {
	t := &taskTool{tasks: tasks, deps: deps}
	t.controller = controller{
		name:        "manage_task",
		description: "Task lifecycle: creation, gated completion, next-task selection, search, and dependencies.",
		schema:      taskSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"create":            t.create,
			"get":               t.get,
			"list":              t.list,
			"update":            t.update,
			"delete":            t.delete,
			"complete":          t.complete,
			"next":              t.next,
			"search":            t.search,
			"add_dependency":    t.addDependency,
			"remove_dependency": t.removeDependency,
		},
	}
	return t
}

func (t *taskTool) create(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUID("branch_id")
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
	labels, err := p.StringList("labels")
	if err != nil {
		return nil, err
	}
	depStrings, err := p.StringList("dependencies")
	if err != nil {
		return nil, err
	}
	dependencies := make([]uuid.UUID, 0, len(depStrings))
	for _, raw := range depStrings {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, models.NewValidation("dependency %q is not a valid uuid", raw)
		}
		dependencies = append(dependencies, id)
	}
	dueDate, err := p.Time("due_date")
	if err != nil {
		return nil, err
	}

	result, err := t.tasks.Create(ctx, services.CreateTaskInput{
		BranchID:        branchID,
		Title:           title,
		Description:     p.String("description"),
		Details:         p.String("details"),
		Priority:        p.String("priority"),
		EstimatedEffort: p.String("estimated_effort"),
		DueDate:         dueDate,
		Assignees:       assignees,
		Labels:          labels,
		Dependencies:    dependencies,
		UserID:          p.String("user_id"),
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"task":                 result.Task,
		"context_auto_created": result.ContextAutoCreated,
	}, result.SyncFailed), nil
}

func (t *taskTool) get(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	task, err := t.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"task": task}), nil
}

func (t *taskTool) list(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUIDPtr("branch_id")
	if err != nil {
		return nil, err
	}
	excludeTerminal, err := p.Bool("exclude_terminal", false)
	if err != nil {
		return nil, err
	}
	limit, err := p.Int("limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := p.Int("offset", 0)
	if err != nil {
		return nil, err
	}
	tasks, err := t.tasks.List(ctx, repository.TaskFilter{
		BranchID:        branchID,
		Status:          p.String("status"),
		Priority:        p.String("priority"),
		Assignee:        p.String("assignee"),
		Label:           p.String("label"),
		ExcludeTerminal: excludeTerminal,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	}), nil
}

func (t *taskTool) update(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	assignees, err := p.StringList("assignees")
	if err != nil {
		return nil, err
	}
	labels, err := p.StringList("labels")
	if err != nil {
		return nil, err
	}
	in := services.UpdateTaskInput{
		Title:           p.StringPtr("title"),
		Description:     p.StringPtr("description"),
		Details:         p.StringPtr("details"),
		Status:          p.StringPtr("status"),
		Priority:        p.StringPtr("priority"),
		EstimatedEffort: p.StringPtr("estimated_effort"),
		Assignees:       assignees,
		Labels:          labels,
		BlockedReason:   p.StringPtr("blocked_reason"),
	}
	if p.Has("due_date") {
		due, err := p.Time("due_date")
		if err != nil {
			return nil, err
		}
		if due == nil {
			in.ClearDueDate = true
		} else {
			in.DueDate = due
		}
	}

	result, err := t.tasks.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{"task": result.Task}, result.SyncFailed), nil
}

func (t *taskTool) complete(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	result, err := t.tasks.Complete(ctx, id,
		p.String("completion_summary"), p.String("testing_notes"))
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"task":                 result.Task,
		"context_auto_created": result.ContextAutoCreated,
	}, result.SyncFailed), nil
}

func (t *taskTool) delete(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	if err := t.tasks.Delete(ctx, id); err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"task_id": id.String(),
		"deleted": true,
	}), nil
}

func (t *taskTool) next(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	task, err := t.tasks.Next(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return ok(map[string]interface{}{
			"task":    nil,
			"message": "no actionable tasks on this branch",
		}), nil
	}
	return ok(map[string]interface{}{"task": task}), nil
}

func (t *taskTool) search(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUIDPtr("branch_id")
	if err != nil {
		return nil, err
	}
	limit, err := p.Int("limit", 0)
	if err != nil {
		return nil, err
	}
	tasks, err := t.tasks.Search(ctx, branchID, p.String("query"), limit)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	}), nil
}

func (t *taskTool) addDependency(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	dependsOn, err := p.UUID("depends_on")
	if err != nil {
		return nil, err
	}
	edge, err := t.deps.Add(ctx, taskID, dependsOn)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"dependency": edge}), nil
}

func (t *taskTool) removeDependency(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	dependsOn, err := p.UUID("depends_on")
	if err != nil {
		return nil, err
	}
	edge, err := t.deps.Remove(ctx, taskID, dependsOn)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"dependency": edge}), nil
}
