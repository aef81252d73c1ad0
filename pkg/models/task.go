package models

import (
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of work inside a branch.
type Task struct {
	// Core fields
	ID       uuid.UUID    `json:"id" db:"id"`
	BranchID uuid.UUID    `json:"git_branch_id" db:"branch_id"`
	Title    string       `json:"title" db:"title"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	// Descriptive fields
	Description     string          `json:"description,omitempty" db:"description"`
	Details         string          `json:"details,omitempty" db:"details"`
	EstimatedEffort EstimatedEffort `json:"estimated_effort,omitempty" db:"estimated_effort"`
	DueDate         *time.Time      `json:"due_date,omitempty" db:"due_date"`

	// Completion fields
	CompletionSummary string `json:"completion_summary,omitempty" db:"completion_summary"`
	TestingNotes      string `json:"testing_notes,omitempty" db:"testing_notes"`
	BlockedReason     string `json:"blocked_reason,omitempty" db:"blocked_reason"`

	// Assignment and classification
	Assignees StringList `json:"assignees" db:"assignees"`
	Labels    StringList `json:"labels" db:"-"`

	// Context linkage; nil until the task context exists
	ContextID *string `json:"context_id,omitempty" db:"context_id"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Loaded relations (not stored on the row)
	Dependencies []uuid.UUID `json:"dependencies,omitempty" db:"-"`
	Subtasks     []*Subtask  `json:"subtasks,omitempty" db:"-"`
}

// TaskStatus represents the lifecycle state of a task or subtask.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusTesting    TaskStatus = "testing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// taskTransitions maps each status to the set of statuses reachable from it
// through a plain update. Reaching done is excluded here: completion is
// gated and only the complete action performs it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:       {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusBlocked, TaskStatusReview, TaskStatusTesting, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusReview:     {TaskStatusBlocked, TaskStatusTesting, TaskStatusCancelled},
	TaskStatusTesting:    {TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusDone:       {TaskStatusInProgress},
	TaskStatusCancelled:  {TaskStatusInProgress},
}

// CanTransitionTo reports whether a plain status update from s to target is
// allowed by the lifecycle state machine.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for done and cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked,
		TaskStatusReview, TaskStatusTesting, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskPriority represents the urgency of a task.
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityUrgent   TaskPriority = "urgent"
	TaskPriorityCritical TaskPriority = "critical"
)

var priorityRank = map[TaskPriority]int{
	TaskPriorityCritical: 5,
	TaskPriorityUrgent:   4,
	TaskPriorityHigh:     3,
	TaskPriorityMedium:   2,
	TaskPriorityLow:      1,
}

// Rank returns the ordering weight of the priority; higher wins next-task
// selection. Unknown values rank below low.
func (p TaskPriority) Rank() int {
	return priorityRank[p]
}

// Valid reports whether p is a known priority value.
func (p TaskPriority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// EstimatedEffort is a coarse size bucket for planning.
type EstimatedEffort string

const (
	EffortQuick  EstimatedEffort = "quick"
	EffortShort  EstimatedEffort = "short"
	EffortMedium EstimatedEffort = "medium"
	EffortLarge  EstimatedEffort = "large"
	EffortEpic   EstimatedEffort = "epic"
)

// Valid reports whether e is a known effort bucket. Empty is allowed.
func (e EstimatedEffort) Valid() bool {
	switch e {
	case "", EffortQuick, EffortShort, EffortMedium, EffortLarge, EffortEpic:
		return true
	}
	return false
}

// IsTerminal returns true if the task is done or cancelled.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// ContextIDString returns the id the task's context row is keyed by.
func (t *Task) ContextIDString() string {
	return t.ID.String()
}
