package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/pkg/contexts"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// ContextAPI is the service surface the context tool needs.
type ContextAPI interface {
	Create(ctx context.Context, level models.ContextLevel, id string, data models.JSONMap, userID string) (*models.Context, error)
	Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error)
	Update(ctx context.Context, level models.ContextLevel, id string, in services.UpdateContextInput) (*models.Context, error)
	Delete(ctx context.Context, level models.ContextLevel, id string) error
	Resolve(ctx context.Context, level models.ContextLevel, id string, forceRefresh, includeInherited bool) (*models.ResolvedContext, error)
	List(ctx context.Context, level models.ContextLevel, filter repository.ContextFilter) ([]*models.Context, error)
	AddInsight(ctx context.Context, level models.ContextLevel, id, content, category, importance string) (*models.Context, error)
	AddProgress(ctx context.Context, level models.ContextLevel, id, content string, percentage *int) (*models.Context, error)
	Delegate(ctx context.Context, req contexts.DelegationRequest) (*models.DelegationResult, error)
	ListDelegations(ctx context.Context, filter repository.DelegationFilter) ([]*models.ContextDelegation, error)
	ApproveDelegation(ctx context.Context, id string) (*models.DelegationResult, error)
	RejectDelegation(ctx context.Context, id, reason string) (*models.ContextDelegation, error)
}

var contextSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "get", "update", "delete", "resolve", "delegate", "add_insight", "add_progress", "list", "list_delegations", "approve_delegation", "reject_delegation"]},
		"level": {"type": "string"},
		"context_id": {"type": "string"},
		"id": {"type": "string"},
		"data": {"type": ["object", "string"]},
		"expected_version": {"type": ["integer", "string"]},
		"replace_data": {"type": ["boolean", "string", "integer"]},
		"force_refresh": {"type": ["boolean", "string", "integer"]},
		"include_inherited": {"type": ["boolean", "string", "integer"]},
		"target_level": {"type": "string"},
		"delegation_data": {"type": ["object", "string"]},
		"reason": {"type": "string"},
		"auto": {"type": ["boolean", "string", "integer"]},
		"delegation_id": {"type": "string"},
		"content": {"type": "string"},
		"category": {"type": "string"},
		"importance": {"type": "string"},
		"percentage": {"type": ["integer", "string"]},
		"processed": {"type": ["boolean", "string", "integer"]},
		"limit": {"type": ["integer", "string"]},
		"project_id": {"type": "string"},
		"branch_id": {"type": "string"},
		"user_id": {"type": "string"}
	},
	"required": ["action"]
}`)

type contextTool struct {
	controller
	contexts ContextAPI
}

func newContextTool(api ContextAPI, fmtr *formatter) *contextTool {
	t := &contextTool{contexts: api}
	t.controller = controller{
		name:        "manage_context",
		description: "Hierarchical context store: CRUD, four-level resolution with inheritance, insights, progress, and upward delegation.",
		schema:      contextSchema,
		fmtr:        fmtr,
		actions: map[string]actionFunc{
			"create":             t.create,
			"get":                t.get,
			"update":             t.update,
			"delete":             t.delete,
			"resolve":            t.resolve,
			"delegate":           t.delegate,
			"add_insight":        t.addInsight,
			"add_progress":       t.addProgress,
			"list":               t.list,
			"list_delegations":   t.listDelegations,
			"approve_delegation": t.approveDelegation,
			"reject_delegation":  t.rejectDelegation,
		},
	}
	return t
}

// contextRef reads the level plus the context id, honoring the id alias.
func (t *contextTool) contextRef(p Params) (models.ContextLevel, string, error) {
	level, err := p.Level("level")
	if err != nil {
		return "", "", err
	}
	id := p.FirstString("context_id", "id")
	if id == "" {
		if level == models.LevelGlobal {
			return level, models.GlobalContextID, nil
		}
		return "", "", models.NewValidation("parameter %q is required", "context_id")
	}
	return level, id, nil
}

func (t *contextTool) create(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	data, err := p.Object("data")
	if err != nil {
		return nil, err
	}
	created, err := t.contexts.Create(ctx, level, id, data, p.String("user_id"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"context_data": created}), nil
}

func (t *contextTool) get(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	stored, err := t.contexts.Get(ctx, level, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"context_data": stored}), nil
}

func (t *contextTool) update(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	data, err := p.Object("data")
	if err != nil {
		return nil, err
	}
	expectedVersion, err := p.IntPtr("expected_version")
	if err != nil {
		return nil, err
	}
	replace, err := p.Bool("replace_data", false)
	if err != nil {
		return nil, err
	}
	updated, err := t.contexts.Update(ctx, level, id, services.UpdateContextInput{
		Data:            data,
		ExpectedVersion: expectedVersion,
		ReplaceData:     replace,
	})
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"context_data": updated}), nil
}

func (t *contextTool) delete(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	if err := t.contexts.Delete(ctx, level, id); err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"level":      string(level),
		"context_id": id,
		"deleted":    true,
	}), nil
}

func (t *contextTool) resolve(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	forceRefresh, err := p.Bool("force_refresh", false)
	if err != nil {
		return nil, err
	}
	includeInherited, err := p.Bool("include_inherited", true)
	if err != nil {
		return nil, err
	}
	resolved, err := t.contexts.Resolve(ctx, level, id, forceRefresh, includeInherited)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"resolved_context": resolved}), nil
}

func (t *contextTool) delegate(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	targetLevel, err := p.Level("target_level")
	if err != nil {
		return nil, err
	}
	data, err := p.Object("delegation_data")
	if err != nil {
		return nil, err
	}
	if data == nil {
		// data is accepted as an alias for the delegation payload.
		if data, err = p.Object("data"); err != nil {
			return nil, err
		}
	}
	auto, err := p.Bool("auto", true)
	if err != nil {
		return nil, err
	}
	result, err := t.contexts.Delegate(ctx, contexts.DelegationRequest{
		SourceLevel: level,
		SourceID:    id,
		TargetLevel: targetLevel,
		Data:        data,
		Reason:      p.String("reason"),
		Auto:        auto,
		UserID:      p.String("user_id"),
	})
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"delegation_result": result}), nil
}

func (t *contextTool) addInsight(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	content, err := p.RequiredString("content")
	if err != nil {
		return nil, err
	}
	updated, err := t.contexts.AddInsight(ctx, level, id, content,
		p.String("category"), p.String("importance"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"context_data": updated}), nil
}

func (t *contextTool) addProgress(ctx context.Context, p Params) (*actionResult, error) {
	level, id, err := t.contextRef(p)
	if err != nil {
		return nil, err
	}
	content, err := p.RequiredString("content")
	if err != nil {
		return nil, err
	}
	percentage, err := p.IntPtr("percentage")
	if err != nil {
		return nil, err
	}
	updated, err := t.contexts.AddProgress(ctx, level, id, content, percentage)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"context_data": updated}), nil
}

func (t *contextTool) list(ctx context.Context, p Params) (*actionResult, error) {
	level, err := p.Level("level")
	if err != nil {
		return nil, err
	}
	filter := repository.ContextFilter{UserID: p.String("user_id")}
	if s := p.String("project_id"); s != "" {
		filter.ProjectID = &s
	}
	if s := p.String("branch_id"); s != "" {
		filter.BranchID = &s
	}
	list, err := t.contexts.List(ctx, level, filter)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"contexts": list,
		"count":    len(list),
	}), nil
}

func (t *contextTool) listDelegations(ctx context.Context, p Params) (*actionResult, error) {
	filter := repository.DelegationFilter{
		TargetLevel: p.String("target_level"),
		TargetID:    p.String("context_id"),
	}
	if p.Has("processed") {
		processed, err := p.Bool("processed", false)
		if err != nil {
			return nil, err
		}
		filter.Processed = &processed
	}
	limit, err := p.Int("limit", 0)
	if err != nil {
		return nil, err
	}
	filter.Limit = limit

	delegations, err := t.contexts.ListDelegations(ctx, filter)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{
		"delegations": delegations,
		"count":       len(delegations),
	}), nil
}

func (t *contextTool) approveDelegation(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.RequiredString("delegation_id")
	if err != nil {
		return nil, err
	}
	result, err := t.contexts.ApproveDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"delegation_result": result}), nil
}

func (t *contextTool) rejectDelegation(ctx context.Context, p Params) (*actionResult, error) {
	id, err := p.RequiredString("delegation_id")
	if err != nil {
		return nil, err
	}
	rejected, err := t.contexts.RejectDelegation(ctx, id, p.String("reason"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"delegation_result": rejected}), nil
}
