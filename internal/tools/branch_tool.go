package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// BranchAPI is the service surface the branch tool needs.
type BranchAPI interface {
	Create(ctx context.Context, in services.CreateBranchInput) (*services.BranchWriteResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Branch, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateBranchInput) (*services.BranchWriteResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	AssignAgent(ctx context.Context, branchID, agentID uuid.UUID) (*models.Branch, error)
	UnassignAgent(ctx context.Context, branchID, agentID uuid.UUID) (*models.Branch, error)
	Statistics(ctx context.Context, branchID uuid.UUID) (*models.BranchStatistics, error)
}

var branchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "get", "list", "update", "delete", "assign_agent", "unassign_agent", "get_statistics"]},
		"branch_id": {"type": "string"},
		"project_id": {"type": "string"},
		"agent_id": {"type": "string"},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"status": {"type": "string"},
		"priority": {"type": "string"},
		"user_id": {"type": "string"}
	},
	"required": ["action"]
}`)

type branchTool struct {
	controller
	branches BranchAPI
}

func newBranchTool(branches BranchAPI, fmtr *formatter) *branchTool {
	t := &branchTool{branches: branches}
	t.controller = controller{
		name:        "manage_git_branch",
		description: "Manage work branches under a project, agent assignments, and branch statistics.",
		schema:      branchSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"create":         t.create,
			"get":            t.get,
			"list":           t.list,
			"update":         t.update,
			"delete":         t.delete,
			"assign_agent":   t.assignAgent,
			"unassign_agent": t.unassignAgent,
			"get_statistics": t.statistics,
		},
	}
	return t
}

func (t *branchTool) create(ctx context.Context, p Params) (*actionResult, error) {
	projectID, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	name, err := p.RequiredString("name")
	if err != nil {
		return nil, err
	}
	result, err := t.branches.Create(ctx, services.CreateBranchInput{
		ProjectID:   projectID,
		Name:        name,
		Description: p.String("description"),
		Priority:    p.String("priority"),
		UserID:      p.String("user_id"),
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"branch":          result.Branch,
		"context_created": result.ContextCreated,
	}, result.SyncFailed), nil
}

func (t *branchTool) get(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	branch, err := t.branches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"branch": branch}), nil
}

func (t *branchTool) list(ctx context.Context, p Params) (*actionResult, error) {
	projectID, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	branches, err := t.branches.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"branches": branches,
		"count":    len(branches),
	}), nil
}

func (t *branchTool) update(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	result, err := t.branches.Update(ctx, id, services.UpdateBranchInput{
		Name:        p.StringPtr("name"),
		Description: p.StringPtr("description"),
		Status:      p.StringPtr("status"),
		Priority:    p.StringPtr("priority"),
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{"branch": result.Branch}, result.SyncFailed), nil
}

func (t *branchTool) delete(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	if err := t.branches.Delete(ctx, id); err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"branch_id": id.String(),
		"deleted":   true,
	}), nil
}

func (t *branchTool) assignAgent(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	agentID, err := p.UUID("agent_id")
	if err != nil {
		return nil, err
	}
	branch, err := t.branches.AssignAgent(ctx, branchID, agentID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"branch": branch}), nil
}

func (t *branchTool) unassignAgent(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	agentID, err := p.UUID("agent_id")
	if err != nil {
		return nil, err
	}
	branch, err := t.branches.UnassignAgent(ctx, branchID, agentID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"branch": branch}), nil
}

func (t *branchTool) statistics(ctx context.Context, p Params) (*actionResult, error) {
	branchID, err := p.UUID("branch_id")
	if err != nil {
		return nil, err
	}
	stats, err := t.branches.Statistics(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"statistics": stats}), nil
}
