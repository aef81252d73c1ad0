// Package repository defines the persistence contracts the domain services
// depend on. Implementations live in the postgres subpackage.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ProjectRepository persists projects.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByName(ctx context.Context, userID, name string) (*models.Project, error)
	List(ctx context.Context, filter ProjectFilter) ([]*models.Project, error)
	Update(ctx context.Context, project *models.Project) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// BranchRepository persists branches and their denormalized task counters.
type BranchRepository interface {
	Create(ctx context.Context, branch *models.Branch) error
	Get(ctx context.Context, id uuid.UUID) (*models.Branch, error)
	GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.Branch, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error)
	Update(ctx context.Context, branch *models.Branch) error
	Delete(ctx context.Context, id uuid.UUID) error

	// RefreshTaskCounts recomputes task_count and completed_task_count from
	// the tasks table. Called inside the transaction of every task mutation.
	RefreshTaskCounts(ctx context.Context, branchID uuid.UUID) (*models.Branch, error)

	// CountTasksByStatus groups the branch's tasks by status for statistics.
	CountTasksByStatus(ctx context.Context, branchID uuid.UUID) (map[string]int, error)
}

// TaskRepository persists tasks, their labels, and their dependency edges.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Search returns tasks matching every token in at least one of title,
	// description, details, or an attached label name. Ranking happens in
	// the service layer.
	Search(ctx context.Context, filter SearchFilter) ([]*models.Task, error)

	SetLabels(ctx context.Context, taskID uuid.UUID, labels []string) error
	GetLabels(ctx context.Context, taskID uuid.UUID) ([]string, error)

	// AddDependency records taskID -> dependsOn. Inserting an existing edge
	// is a no-op.
	AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error
	RemoveDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error
	ListDependencies(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
	ListDependents(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)

	// ProjectEdges returns the dependency adjacency (task -> its
	// dependencies) for every task in the project. Cycle checks walk it
	// inside the writing transaction.
	ProjectEdges(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
}

// SubtaskRepository persists subtasks.
type SubtaskRepository interface {
	Create(ctx context.Context, subtask *models.Subtask) error
	Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error)
	Update(ctx context.Context, subtask *models.Subtask) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ContextRepository persists the four-tier context rows.
type ContextRepository interface {
	Create(ctx context.Context, c *models.Context) error
	Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error)

	// GetForUpdate locks the row for the current transaction so concurrent
	// writers serialize.
	GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error)

	// Update writes the mutable columns and bumps version by one. The
	// model's Version field is refreshed with the stored value.
	Update(ctx context.Context, c *models.Context) error

	Delete(ctx context.Context, level models.ContextLevel, id string) error
	List(ctx context.Context, level models.ContextLevel, filter ContextFilter) ([]*models.Context, error)

	// ListChildren returns the contexts one level below whose parent
	// pointer references id.
	ListChildren(ctx context.Context, level models.ContextLevel, id string) ([]*models.Context, error)
}

// DelegationRepository persists the delegation queue.
type DelegationRepository interface {
	Create(ctx context.Context, d *models.ContextDelegation) error
	Get(ctx context.Context, id string) (*models.ContextDelegation, error)
	List(ctx context.Context, filter DelegationFilter) ([]*models.ContextDelegation, error)

	// MarkProcessed finalizes a queue entry.
	MarkProcessed(ctx context.Context, id string, approved bool, rejectedReason string) error
}

// AgentRepository persists agents and their branch assignments.
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.Agent, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id uuid.UUID) error

	Assign(ctx context.Context, agentID, branchID uuid.UUID) error
	Unassign(ctx context.Context, agentID, branchID uuid.UUID) error

	// ListBranchAgents reads the live assignment table; branch statistics
	// derive agent data from here, never from the denormalized column.
	ListBranchAgents(ctx context.Context, branchID uuid.UUID) ([]*models.Agent, error)
}

// TxManager runs a function inside one database transaction. Nested calls
// join the enclosing transaction.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
