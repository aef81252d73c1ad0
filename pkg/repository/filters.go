package repository

import "github.com/google/uuid"

// ProjectFilter narrows project listings.
type ProjectFilter struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	BranchID *uuid.UUID
	Status   string
	Priority string
	Assignee string
	Label    string

	// ExcludeTerminal drops done and cancelled tasks; the partial index on
	// tasks(branch_id) serves this path.
	ExcludeTerminal bool

	Limit  int
	Offset int
}

// SearchFilter carries the tokenized query. Every token must match at least
// one searchable field for a task to qualify.
type SearchFilter struct {
	BranchID *uuid.UUID
	Tokens   []string
	Limit    int
}

// ContextFilter narrows context listings within one level.
type ContextFilter struct {
	UserID    string
	ProjectID *string
	BranchID  *string
}

// DelegationFilter narrows delegation-queue listings.
type DelegationFilter struct {
	Processed   *bool
	TargetLevel string
	TargetID    string
	Limit       int
}
