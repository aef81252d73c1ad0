package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the top-level organizational unit. Each project owns its
// branches and exactly one project-level context.
type Project struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	UserID      string        `json:"user_id" db:"user_id"`
	Status      ProjectStatus `json:"status" db:"status"`
	Metadata    JSONMap       `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ProjectStatus is the coarse project state.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	return s == ProjectStatusActive || s == ProjectStatusArchived
}

// ProjectHealth is the result of manage_project.health_check.
type ProjectHealth struct {
	ProjectID     string                 `json:"project_id"`
	Status        string                 `json:"status"`
	Checks        map[string]interface{} `json:"checks"`
	BranchCount   int                    `json:"branch_count"`
	TaskCount     int                    `json:"task_count"`
	ContextExists bool                   `json:"context_exists"`
	CheckedAt     time.Time              `json:"checked_at"`
}
