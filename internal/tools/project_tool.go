package tools

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// ProjectAPI is the service surface the project tool needs.
type ProjectAPI interface {
	Create(ctx context.Context, in services.CreateProjectInput) (*services.ProjectWriteResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByName(ctx context.Context, userID, name string) (*models.Project, error)
	List(ctx context.Context, filter repository.ProjectFilter) ([]*models.Project, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateProjectInput) (*services.ProjectWriteResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	HealthCheck(ctx context.Context, id uuid.UUID) (*models.ProjectHealth, error)
}

var projectSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "get", "list", "update", "delete", "health_check"]},
		"project_id": {"type": "string"},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"status": {"type": "string"},
		"user_id": {"type": "string"},
		"metadata": {"type": ["object", "string"]},
		"limit": {"type": ["integer", "string"]},
		"offset": {"type": ["integer", "string"]}
	},
	"required": ["action"]
}`)

type projectTool struct {
	controller
	projects ProjectAPI
}

func newProjectTool(projects ProjectAPI, fmtr *formatter) *projectTool {
	t := &projectTool{projects: projects}
	t.controller = controller{
		name:        "manage_project",
		description: "Create, inspect, update, and delete projects; health_check reports counters and context presence.",
		schema:      projectSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"create":       t.create,
			"get":          t.get,
			"list":         t.list,
			"update":       t.update,
			"delete":       t.delete,
			"health_check": t.healthCheck,
		},
	}
	return t
}

func (t *projectTool) create(ctx context.Context, p Params) (*actionResult, error) {
	name, err := p.RequiredString("name")
	if err != nil {
		return nil, err
	}
	metadata, err := p.Object("metadata")
	if err != nil {
		return nil, err
	}
	result, err := t.projects.Create(ctx, services.CreateProjectInput{
		Name:        name,
		Description: p.String("description"),
		UserID:      p.String("user_id"),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{
		"project":         result.Project,
		"context_created": result.ContextCreated,
	}, result.SyncFailed), nil
}

func (t *projectTool) get(ctx context.Context, p Params) (*actionResult, error) {
	// get accepts either a project_id or a name lookup.
	if p.String("project_id") == "" && p.String("name") != "" {
		project, err := t.projects.GetByName(ctx, p.String("user_id"), p.String("name"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]interface{}{"project": project}), nil
	}
	id, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	project, err := t.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"project": project}), nil
}

func (t *projectTool) list(ctx context.Context, p Params) (*actionResult, error) {
	limit, err := p.Int("limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := p.Int("offset", 0)
	if err != nil {
		return nil, err
	}
	projects, err := t.projects.List(ctx, repository.ProjectFilter{
		UserID: p.String("user_id"),
		Status: p.String("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	}), nil
}

func (t *projectTool) update(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	metadata, err := p.Object("metadata")
	if err != nil {
		return nil, err
	}
	result, err := t.projects.Update(ctx, id, services.UpdateProjectInput{
		Name:        p.StringPtr("name"),
		Description: p.StringPtr("description"),
		Status:      p.StringPtr("status"),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}
	return syncAware(map[string]interface{}{"project": result.Project}, result.SyncFailed), nil
}

func (t *projectTool) delete(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	if err := t.projects.Delete(ctx, id); err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"project_id": id.String(),
		"deleted":    true,
	}), nil
}

func (t *projectTool) healthCheck(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.UUID("project_id")
	if err != nil {
		return nil, err
	}
	health, err := t.projects.HealthCheck(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"health": health}), nil
}
