package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a registered worker identity. Capability payloads are opaque;
// the catalog that defines them lives outside this system.
type Agent struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	ProjectID         uuid.UUID   `json:"project_id" db:"project_id"`
	Name              string      `json:"name" db:"name"`
	Description       string      `json:"description,omitempty" db:"description"`
	Capabilities      JSONMap     `json:"capabilities,omitempty" db:"capabilities"`
	Status            AgentStatus `json:"status" db:"status"`
	AvailabilityScore float64     `json:"availability_score" db:"availability_score"`
	Metadata          JSONMap     `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// AgentStatus is the coarse availability state of an agent.
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
)

// AgentAssignment links an agent to a branch. Statistics read this table
// directly rather than the denormalized column on the branch row.
type AgentAssignment struct {
	AgentID    uuid.UUID `json:"agent_id" db:"agent_id"`
	BranchID   uuid.UUID `json:"git_branch_id" db:"branch_id"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}

// Label is a reusable task tag.
type Label struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Color       string    `json:"color,omitempty" db:"color"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
