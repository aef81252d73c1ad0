package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Subtask is a nested unit of work under a task. It shares the task status
// enum but completion is simpler: a summary plus optional rollup hints.
type Subtask struct {
	ID       uuid.UUID    `json:"id" db:"id"`
	TaskID   uuid.UUID    `json:"task_id" db:"task_id"`
	Title    string       `json:"title" db:"title"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	Description        string     `json:"description,omitempty" db:"description"`
	Assignees          StringList `json:"assignees" db:"assignees"`
	ProgressPercentage int        `json:"progress_percentage" db:"progress_percentage"`
	ProgressNotes      string     `json:"progress_notes,omitempty" db:"progress_notes"`
	Blockers           string     `json:"blockers,omitempty" db:"blockers"`

	// Completion payload
	CompletionSummary  string     `json:"completion_summary,omitempty" db:"completion_summary"`
	ImpactOnParent     string     `json:"impact_on_parent,omitempty" db:"impact_on_parent"`
	ChallengesOvercome string     `json:"challenges_overcome,omitempty" db:"challenges_overcome"`
	InsightsFound      StringList `json:"insights_found" db:"insights_found"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SubtaskProgress is the parent rollup after any subtask write.
type SubtaskProgress struct {
	TaskID          string `json:"task_id"`
	Total           int    `json:"total"`
	Completed       int    `json:"completed"`
	Percentage      int    `json:"percentage"`
	ReadyToComplete bool   `json:"ready_to_complete"`
}

// RollupProgress aggregates subtask progress into the parent view:
// percentage is the rounded mean of the subtask percentages, and the parent
// is advisory ready-to-complete once every subtask is done.
func RollupProgress(taskID uuid.UUID, subtasks []*Subtask) SubtaskProgress {
	p := SubtaskProgress{TaskID: taskID.String(), Total: len(subtasks)}
	if len(subtasks) == 0 {
		p.ReadyToComplete = true
		return p
	}
	sum := 0
	for _, s := range subtasks {
		sum += s.ProgressPercentage
		if s.Status == TaskStatusDone {
			p.Completed++
		}
	}
	p.Percentage = int(math.Round(float64(sum) / float64(len(subtasks))))
	p.ReadyToComplete = p.Completed == p.Total
	return p
}
