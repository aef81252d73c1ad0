package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/services"
)

// DependencyAPI is the service surface for dependency edges.
type DependencyAPI interface {
	Add(ctx context.Context, taskID, dependsOn uuid.UUID) (*services.DependencyEdge, error)
	Remove(ctx context.Context, taskID, dependsOn uuid.UUID) (*services.DependencyEdge, error)
	List(ctx context.Context, taskID uuid.UUID) (*services.DependencyAnalysis, error)
	Analyze(ctx context.Context, taskID uuid.UUID) (*services.DependencyAnalysis, error)
}

var dependencySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["add", "remove", "list", "analyze"]},
		"task_id": {"type": "string"},
		"depends_on": {"type": "string"}
	},
	"required": ["action"]
}`)

type dependencyTool struct {
	controller
	deps DependencyAPI
}

func newDependencyTool(deps DependencyAPI, fmtr *formatter) *dependencyTool {
	t := &dependencyTool{deps: deps}
	t.controller = controller{
		name:        "manage_dependency",
		description: "Task dependency edges: add with cycle detection, remove, list, and blocker analysis.",
		schema:      dependencySchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"add":     t.add,
			"remove":  t.remove,
			"list":    t.list,
			"analyze": t.analyze,
		},
	}
	return t
}

func (t *dependencyTool) add(ctx context.Context, p Params) (*actionResult, error) {
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

func (t *dependencyTool) remove(ctx context.Context, p Params) (*actionResult, error) {
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

func (t *dependencyTool) list(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	analysis, err := t.deps.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"analysis": analysis}), nil
}

func (t *dependencyTool) analyze(ctx context.Context, p Params) (*actionResult, error) {
	taskID, err := p.UUID("task_id")
	if err != nil {
		return nil, err
	}
	analysis, err := t.deps.Analyze(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"analysis": analysis}), nil
}
