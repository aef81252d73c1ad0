package models

import (
	"time"

	"github.com/google/uuid"
)

// Branch is the second-tier unit under a project. Named after a VCS branch
// by domain convention only; the system never touches a real repository.
type Branch struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	ProjectID   uuid.UUID    `json:"project_id" db:"project_id"`
	Name        string       `json:"git_branch_name" db:"name"`
	Description string       `json:"description,omitempty" db:"description"`
	Status      TaskStatus   `json:"status" db:"status"`
	Priority    TaskPriority `json:"priority" db:"priority"`

	// Denormalized convenience column. Statistics never read it; they go to
	// the agent_assignments table.
	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`

	// Denormalized counters, recomputed on every task status change.
	TaskCount          int `json:"task_count" db:"task_count"`
	CompletedTaskCount int `json:"completed_task_count" db:"completed_task_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProgressPercentage derives completion from the denormalized counters.
func (b *Branch) ProgressPercentage() int {
	if b.TaskCount == 0 {
		return 0
	}
	return int(float64(b.CompletedTaskCount)/float64(b.TaskCount)*100 + 0.5)
}

// BranchStatistics is the get_statistics view. Agent data derives from the
// live assignment table, not the denormalized column on the branch row.
type BranchStatistics struct {
	BranchID           string         `json:"git_branch_id"`
	Name               string         `json:"git_branch_name"`
	TaskCount          int            `json:"task_count"`
	CompletedTaskCount int            `json:"completed_task_count"`
	ProgressPercentage int            `json:"progress_percentage"`
	TasksByStatus      map[string]int `json:"tasks_by_status"`
	AssignedAgents     []string       `json:"assigned_agents"`
	GeneratedAt        time.Time      `json:"generated_at"`
}
