package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type agentRepository struct {
	repoBase
}

// NewAgentRepository creates the Postgres-backed agent repository.
func NewAgentRepository(db *sqlx.DB, logger observability.Logger,
	metrics observability.MetricsClient, tracer observability.StartSpanFunc) repository.AgentRepository {
	return &agentRepository{newRepoBase("agent_repository", db, logger, metrics, tracer)}
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Create")
	defer span.End()

	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.AgentStatusAvailable
	}

	query := `
		INSERT INTO agents (id, project_id, name, description, capabilities, status,
		                    availability_score, metadata, created_at, updated_at)
		VALUES (:id, :project_id, :name, :description, :capabilities, :status,
		        :availability_score, :metadata, :created_at, :updated_at)`

	return r.exec(ctx, "agent_create", func() error {
		_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, agent)
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewAlreadyExists("agent", agent.Name)
			}
			if isForeignKeyViolation(err) {
				return models.NewNotFound("project", agent.ProjectID.String())
			}
			return errors.Wrap(err, "failed to create agent")
		}
		return nil
	})
}

func (r *agentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.Get")
	defer span.End()

	var agent models.Agent
	err := r.exec(ctx, "agent_get", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &agent,
			`SELECT * FROM agents WHERE id = $1`, id)
		if err == sql.ErrNoRows {
			return models.NewNotFound("agent", id.String())
		}
		return errors.Wrap(err, "failed to get agent")
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.GetByName")
	defer span.End()

	var agent models.Agent
	err := r.exec(ctx, "agent_get_by_name", func() error {
		err := sqlx.GetContext(ctx, r.ext(ctx), &agent,
			`SELECT * FROM agents WHERE project_id = $1 AND name = $2`, projectID, name)
		if err == sql.ErrNoRows {
			return models.NewNotFound("agent", name)
		}
		return errors.Wrap(err, "failed to get agent by name")
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.ListByProject")
	defer span.End()

	var agents []*models.Agent
	err := r.exec(ctx, "agent_list", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &agents,
				`SELECT * FROM agents WHERE project_id = $1 ORDER BY name`, projectID),
			"failed to list agents")
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (r *agentRepository) Update(ctx context.Context, agent *models.Agent) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Update")
	defer span.End()

	agent.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE agents
		SET name = :name, description = :description, capabilities = :capabilities,
		    status = :status, availability_score = :availability_score,
		    metadata = :metadata, updated_at = :updated_at
		WHERE id = :id`

	return r.exec(ctx, "agent_update", func() error {
		res, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, agent)
		if err != nil {
			return errors.Wrap(err, "failed to update agent")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("agent", agent.ID.String())
		}
		return nil
	})
}

func (r *agentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Delete")
	defer span.End()

	return r.exec(ctx, "agent_delete", func() error {
		res, err := r.ext(ctx).ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete agent")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewNotFound("agent", id.String())
		}
		return nil
	})
}

func (r *agentRepository) Assign(ctx context.Context, agentID, branchID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Assign")
	defer span.End()

	return r.exec(ctx, "agent_assign", func() error {
		_, err := r.ext(ctx).ExecContext(ctx, `
			INSERT INTO agent_assignments (agent_id, branch_id, assigned_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT DO NOTHING`, agentID, branchID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.NewNotFound("agent or branch", agentID.String())
			}
			return errors.Wrap(err, "failed to assign agent")
		}
		return nil
	})
}

func (r *agentRepository) Unassign(ctx context.Context, agentID, branchID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Unassign")
	defer span.End()

	return r.exec(ctx, "agent_unassign", func() error {
		_, err := r.ext(ctx).ExecContext(ctx, `
			DELETE FROM agent_assignments WHERE agent_id = $1 AND branch_id = $2`,
			agentID, branchID)
		return errors.Wrap(err, "failed to unassign agent")
	})
}

// ListBranchAgents reads the live assignment table. The statistics view
// depends on this, not on git_branches.assigned_agent_id.
func (r *agentRepository) ListBranchAgents(ctx context.Context, branchID uuid.UUID) ([]*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.ListBranchAgents")
	defer span.End()

	var agents []*models.Agent
	err := r.exec(ctx, "agent_list_branch", func() error {
		return errors.Wrap(
			sqlx.SelectContext(ctx, r.ext(ctx), &agents, `
				SELECT a.* FROM agents a
				JOIN agent_assignments aa ON aa.agent_id = a.id
				WHERE aa.branch_id = $1
				ORDER BY a.name`, branchID),
			"failed to list branch agents")
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}
