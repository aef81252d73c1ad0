package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// AgentAPI is the service surface the agent tools need.
type AgentAPI interface {
	Register(ctx context.Context, in services.RegisterAgentInput) (*models.Agent, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error)
	Unregister(ctx context.Context, id uuid.UUID) error
	Call(ctx context.Context, projectID uuid.UUID, name string) (*services.AgentInvocation, error)
}

var agentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["register", "assign", "list", "get", "unassign"]},
		"agent_id": {"type": "string"},
		"project_id": {"type": "string"},
		"branch_id": {"type": "string"},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"capabilities": {"type": ["object", "string"]},
		"metadata": {"type": ["object", "string"]}
	},
	"required": ["action"]
}`)

type agentTool struct {
	controller
	agents   AgentAPI
	branches BranchAPI
}

func newAgentTool(agents AgentAPI, branches BranchAPI, fmtr *formatter) *agentTool {
	t := &agentTool{agents: agents, branches: branches}
	t.controller = controller{
		name:        "manage_agent",
		description: "Register agent identities under a project and assign them to branches. Agents are catalog entries; the server never executes them.",
		schema:      agentSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"register": t.register,
			"assign":   t.assign,
			"list":     t.list,
			"get":      t.get,
			"unassign": t.unassign,
		},
	}
	return t
}

func (t *agentTool) register(ctx context.Context, p Params) (*actionResult, error) {
	projectID, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	name, err := p.RequiredString("name")
	if err != nil {
		return nil, err
	}
	capabilities, err := p.Object("capabilities")
	if err != nil {
		return nil, err
	}
	metadata, err := p.Object("metadata")
	if err != nil {
		return nil, err
	}
	agent, err := t.agents.Register(ctx, services.RegisterAgentInput{
		ProjectID:    projectID,
		Name:         name,
		Description:  p.String("description"),
		Capabilities: capabilities,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"agent": agent}), nil
}

func (t *agentTool) assign(ctx context.Context, p Params) (*actionResult, error) {
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

func (t *agentTool) list(ctx context.Context, p Params) (*actionResult, error) {
	projectID, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	agents, err := t.agents.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	}), nil
}

func (t *agentTool) get(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("agent_id")
	if err != nil {
		return nil, err
	}
	agent, err := t.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"agent": agent}), nil
}

func (t *agentTool) unassign(ctx context.Context, p Params) (*actionResult, error) {
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

var callAgentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"project_id": {"type": "string"},
		"name": {"type": "string"},
		"name_agent": {"type": "string"}
	}
}`)

type callAgentTool struct {
	controller
	agents AgentAPI
}

func newCallAgentTool(agents AgentAPI, fmtr *formatter) *callAgentTool {
	t := &callAgentTool{agents: agents}
	t.controller = controller{
		name:          "call_agent",
		description:   "Resolve a registered agent by name and return its descriptor.",
		schema:        callAgentSchema,
		fmtr:          fmtr,
		defaultAction: "call",
		actions: map[string]actionFunc{
			"call": t.call,
		},
	}
	return t
}

func (t *callAgentTool) call(ctx context.Context, p Params) (*actionResult, error) {
	projectID, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	name := p.FirstString("name", "name_agent")
	if name == "" {
		return nil, models.NewValidation("parameter %q is required", "name")
	}
	invocation, err := t.agents.Call(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"agent": invocation}), nil
}
