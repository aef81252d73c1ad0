package tools

import (
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Deps bundles the service layer the tool controllers dispatch into.
type Deps struct {
	Projects     ProjectAPI
	Branches     BranchAPI
	Tasks        TaskAPI
	Subtasks     SubtaskAPI
	Contexts     ContextAPI
	Agents       AgentAPI
	Dependencies DependencyAPI

	Logger observability.Logger
}

// RegisterAll wires the fixed eight-tool surface into the registry.
func RegisterAll(registry *mcp.Registry, deps Deps) {
	fmtr := newFormatter(deps.Logger)

	registry.Register(newProjectTool(deps.Projects, fmtr))
	registry.Register(newBranchTool(deps.Branches, fmtr))
	registry.Register(newTaskTool(deps.Tasks, deps.Dependencies, fmtr))
	registry.Register(newSubtaskTool(deps.Subtasks, fmtr))
	registry.Register(newContextTool(deps.Contexts, fmtr))
	registry.Register(newAgentTool(deps.Agents, deps.Branches, fmtr))
	registry.Register(newDependencyTool(deps.Dependencies, fmtr))
	registry.Register(newCallAgentTool(deps.Agents, fmtr))
}
