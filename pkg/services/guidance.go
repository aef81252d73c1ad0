package services

import (
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// WorkflowGuidance nudges the caller toward the next sensible operation.
// It rides in the envelope metadata of every successful mutation.
type WorkflowGuidance struct {
	Hint        string   `json:"hint,omitempty"`
	NextActions []string `json:"next_actions,omitempty"`
}

// GuidanceFor returns the guidance attached to a successful tool action.
// data is the envelope data block; where the result changes what the caller
// should do next (rollup state, queued vs applied delegations, an empty
// next pick) the hint reflects it. Unknown combinations get no guidance,
// which is fine.
func GuidanceFor(tool, action string, data map[string]interface{}) *WorkflowGuidance {
	switch tool {
	case "manage_project":
		switch action {
		case "create":
			return &WorkflowGuidance{
				Hint:        "Project created. Create a branch to start organizing tasks.",
				NextActions: []string{"manage_git_branch.create", "manage_context.update"},
			}
		case "delete":
			return &WorkflowGuidance{
				Hint: "Project and all nested branches, tasks, and contexts removed.",
			}
		}
	case "manage_git_branch":
		switch action {
		case "create":
			return &WorkflowGuidance{
				Hint:        "Branch created. Add tasks or assign an agent.",
				NextActions: []string{"manage_task.create", "manage_git_branch.assign_agent"},
			}
		case "assign_agent":
			return &WorkflowGuidance{
				Hint:        "Agent assigned. Pull the next actionable task to begin work.",
				NextActions: []string{"manage_task.next"},
			}
		}
	case "manage_task":
		switch action {
		case "create":
			return &WorkflowGuidance{
				Hint:        "Task created. Break it into subtasks or start work directly.",
				NextActions: []string{"manage_subtask.create", "manage_task.update"},
			}
		case "update":
			return &WorkflowGuidance{
				Hint:        "Task updated and context synced.",
				NextActions: []string{"manage_task.complete", "manage_subtask.list"},
			}
		case "complete":
			return &WorkflowGuidance{
				Hint:        "Task completed. Pull the next actionable task.",
				NextActions: []string{"manage_task.next"},
			}
		case "next":
			if data["task"] == nil {
				return &WorkflowGuidance{
					Hint:        "No actionable task on this branch. Create one or unblock a dependency.",
					NextActions: []string{"manage_task.create", "manage_dependency.analyze"},
				}
			}
			return &WorkflowGuidance{
				Hint:        "Set the task in_progress before starting work.",
				NextActions: []string{"manage_task.update"},
			}
		}
	case "manage_subtask":
		switch action {
		case "create":
			return &WorkflowGuidance{
				Hint:        "Subtask created. Track progress with update.",
				NextActions: []string{"manage_subtask.update"},
			}
		case "complete":
			if progress, has := data["progress"].(models.SubtaskProgress); has {
				if progress.ReadyToComplete {
					return &WorkflowGuidance{
						Hint:        "All subtasks done; the parent task is ready to complete.",
						NextActions: []string{"manage_task.complete"},
					}
				}
				return &WorkflowGuidance{
					Hint: fmt.Sprintf("Subtask completed; %d of %d still open on the parent.",
						progress.Total-progress.Completed, progress.Total),
					NextActions: []string{"manage_subtask.list", "manage_subtask.update"},
				}
			}
			return &WorkflowGuidance{
				Hint:        "Subtask completed and parent progress rolled up.",
				NextActions: []string{"manage_subtask.list", "manage_task.complete"},
			}
		}
	case "manage_context":
		switch action {
		case "delegate":
			if result, has := data["delegation_result"].(*models.DelegationResult); has {
				if result.Queued {
					return &WorkflowGuidance{
						Hint:        "Delegation queued; it needs approval before it applies.",
						NextActions: []string{"manage_context.list_delegations", "manage_context.approve_delegation"},
					}
				}
				return &WorkflowGuidance{
					Hint:        "Delegation applied to the " + string(result.TargetLevel) + " context.",
					NextActions: []string{"manage_context.resolve"},
				}
			}
			return &WorkflowGuidance{
				Hint:        "Queued delegations need approval before they apply.",
				NextActions: []string{"manage_context.list_delegations", "manage_context.approve_delegation"},
			}
		case "update":
			return &WorkflowGuidance{
				Hint:        "Context updated; dependent cached resolutions were invalidated.",
				NextActions: []string{"manage_context.resolve"},
			}
		}
	case "manage_dependency":
		if action == "add" {
			return &WorkflowGuidance{
				Hint:        "Dependency recorded. Check what is actionable now.",
				NextActions: []string{"manage_dependency.analyze", "manage_task.next"},
			}
		}
	}
	return nil
}
