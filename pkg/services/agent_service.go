package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// AgentService manages the agent registry. Capability payloads are opaque;
// invocation returns a descriptor, not an execution.
type AgentService struct {
	cfg      ServiceConfig
	agents   repository.AgentRepository
	projects repository.ProjectRepository
	txm      repository.TxManager
}

// NewAgentService wires the agent service.
func NewAgentService(cfg ServiceConfig, agents repository.AgentRepository,
	projects repository.ProjectRepository, txm repository.TxManager) *AgentService {
	return &AgentService{
		cfg:      cfg.normalized(),
		agents:   agents,
		projects: projects,
		txm:      txm,
	}
}

// RegisterAgentInput carries the registration parameters.
type RegisterAgentInput struct {
	ProjectID    uuid.UUID
	Name         string
	Description  string
	Capabilities models.JSONMap
	Metadata     models.JSONMap
}

// Register stores a new agent identity under a project. Names are unique
// within the project.
func (s *AgentService) Register(ctx context.Context, in RegisterAgentInput) (*models.Agent, error) {
	ctx, span := s.cfg.Tracer(ctx, "AgentService.Register")
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, models.NewValidation("agent name is required")
	}

	agent := &models.Agent{
		ProjectID:         in.ProjectID,
		Name:              name,
		Description:       in.Description,
		Capabilities:      in.Capabilities,
		Status:            models.AgentStatusAvailable,
		AvailabilityScore: 1.0,
		Metadata:          in.Metadata,
	}
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.projects.Get(ctx, in.ProjectID); err != nil {
			return err
		}
		return s.agents.Create(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("Registered agent", map[string]interface{}{
		"agent_id":   agent.ID.String(),
		"project_id": in.ProjectID.String(),
		"name":       agent.Name,
	})
	return agent, nil
}

// Get fetches one agent by id.
func (s *AgentService) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return s.agents.Get(ctx, id)
}

// GetByName fetches one agent by project and name.
func (s *AgentService) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.Agent, error) {
	return s.agents.GetByName(ctx, projectID, name)
}

// List returns the agents registered under a project.
func (s *AgentService) List(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.agents.ListByProject(ctx, projectID)
}

// UpdateAgentInput carries the mutable fields; nil means leave unchanged.
type UpdateAgentInput struct {
	Description  *string
	Status       *string
	Capabilities models.JSONMap
	Metadata     models.JSONMap
}

// Update applies the changed fields.
func (s *AgentService) Update(ctx context.Context, id uuid.UUID, in UpdateAgentInput) (*models.Agent, error) {
	ctx, span := s.cfg.Tracer(ctx, "AgentService.Update")
	defer span.End()

	var agent *models.Agent
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		agent, err = s.agents.Get(ctx, id)
		if err != nil {
			return err
		}
		if in.Description != nil {
			agent.Description = *in.Description
		}
		if in.Status != nil {
			status := models.AgentStatus(*in.Status)
			switch status {
			case models.AgentStatusAvailable, models.AgentStatusBusy, models.AgentStatusOffline:
			default:
				return models.NewValidation("unknown agent status: %s", *in.Status)
			}
			agent.Status = status
		}
		if in.Capabilities != nil {
			agent.Capabilities = in.Capabilities
		}
		if in.Metadata != nil {
			agent.Metadata = in.Metadata
		}
		return s.agents.Update(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Unregister removes the agent; assignment rows cascade away with it.
func (s *AgentService) Unregister(ctx context.Context, id uuid.UUID) error {
	return s.agents.Delete(ctx, id)
}

// AgentInvocation is the call_agent result: a descriptor of the resolved
// agent, echoed back so the caller can route work to it.
type AgentInvocation struct {
	Agent      *models.Agent `json:"agent"`
	ResolvedBy string        `json:"resolved_by"`
	InvokedAt  time.Time     `json:"invoked_at"`
}

// Call resolves an agent by name within a project and returns its
// descriptor. The system never executes agents.
func (s *AgentService) Call(ctx context.Context, projectID uuid.UUID, name string) (*AgentInvocation, error) {
	ctx, span := s.cfg.Tracer(ctx, "AgentService.Call")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.NewValidation("agent name is required")
	}
	agent, err := s.agents.GetByName(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	return &AgentInvocation{
		Agent:      agent,
		ResolvedBy: "name",
		InvokedAt:  time.Now().UTC(),
	}, nil
}
