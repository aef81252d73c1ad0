package contexts

import (
	"context"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// levelRank orders the tiers root-first for ancestor checks.
var levelRank = map[models.ContextLevel]int{
	models.LevelGlobal:  0,
	models.LevelProject: 1,
	models.LevelBranch:  2,
	models.LevelTask:    3,
}

// DelegationRequest asks to promote data from a source context to one of
// its ancestors.
type DelegationRequest struct {
	SourceLevel models.ContextLevel
	SourceID    string
	TargetLevel models.ContextLevel
	Data        models.JSONMap
	Reason      string
	// Auto applies the delegation immediately for project and branch
	// targets. Global targets always queue for approval regardless.
	Auto          bool
	AutoDelegated bool
	UserID        string
}

// DelegationEngine promotes context data upward. Applied delegations merge
// into the target under the resolver's locking and version-bump rules;
// queued ones wait in the delegation table for approval.
type DelegationEngine struct {
	resolver    *Resolver
	delegations repository.DelegationRepository
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewDelegationEngine wires the engine over the resolver and queue.
func NewDelegationEngine(resolver *Resolver, delegations repository.DelegationRepository,
	logger observability.Logger, metrics observability.MetricsClient) *DelegationEngine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &DelegationEngine{
		resolver:    resolver,
		delegations: delegations,
		logger:      logger,
		metrics:     metrics,
	}
}

// Delegate validates the request, records it, and either applies it to the
// target or leaves it queued.
func (e *DelegationEngine) Delegate(ctx context.Context, req DelegationRequest) (*models.DelegationResult, error) {
	if len(req.Data) == 0 {
		return nil, models.NewValidation("delegation data must be a non-empty object")
	}
	if !req.SourceLevel.Valid() || !req.TargetLevel.Valid() {
		return nil, models.NewValidation("delegation requires valid source and target levels")
	}
	if levelRank[req.TargetLevel] >= levelRank[req.SourceLevel] {
		return nil, models.NewValidation(
			"delegation target %s is not an ancestor of source %s",
			req.TargetLevel, req.SourceLevel)
	}

	targetID, err := e.targetID(ctx, req.SourceLevel, req.SourceID, req.TargetLevel)
	if err != nil {
		return nil, err
	}

	delegation := &models.ContextDelegation{
		SourceLevel:   req.SourceLevel,
		SourceID:      req.SourceID,
		TargetLevel:   req.TargetLevel,
		TargetID:      targetID,
		DelegatedData: req.Data.Clone(),
		Reason:        req.Reason,
		AutoDelegated: req.AutoDelegated,
		CreatedBy:     req.UserID,
	}
	if err := e.delegations.Create(ctx, delegation); err != nil {
		return nil, err
	}

	result := &models.DelegationResult{
		DelegationID: delegation.ID,
		SourceLevel:  req.SourceLevel,
		SourceID:     req.SourceID,
		TargetLevel:  req.TargetLevel,
		TargetID:     targetID,
	}

	// Writes into the global context are shared across every project, so
	// they always wait for an explicit approval.
	if req.TargetLevel == models.LevelGlobal || !req.Auto {
		result.Queued = true
		e.logger.Info("Queued context delegation", map[string]interface{}{
			"delegation_id": delegation.ID,
			"target":        CacheKey(req.TargetLevel, targetID),
		})
		return result, nil
	}

	target, err := e.apply(ctx, delegation)
	if err != nil {
		return nil, err
	}
	result.Applied = true
	result.TargetVersion = target.Version
	return result, nil
}

// targetID walks the source's parent pointers up to the target level.
func (e *DelegationEngine) targetID(ctx context.Context, level models.ContextLevel, id string, target models.ContextLevel) (string, error) {
	if target == models.LevelGlobal {
		return models.GlobalContextID, nil
	}

	curLevel, curID := level, id
	for curLevel != target {
		member, err := e.resolver.Get(ctx, curLevel, curID)
		if err != nil {
			return "", err
		}
		parentLevel, parentID, ok := member.ParentRef()
		if !ok {
			return "", models.NewMissingParent(string(parentLevel), "")
		}
		curLevel, curID = parentLevel, parentID
	}
	return curID, nil
}

func (e *DelegationEngine) apply(ctx context.Context, d *models.ContextDelegation) (*models.Context, error) {
	target, err := e.resolver.Apply(ctx, d.TargetLevel, d.TargetID, nil, func(c *models.Context) error {
		c.Data = MergeData(c.Data, d.DelegatedData)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.delegations.MarkProcessed(ctx, d.ID, true, ""); err != nil {
		return nil, err
	}
	e.metrics.IncrementCounter("context_delegations_applied", 1)
	e.logger.Info("Applied context delegation", map[string]interface{}{
		"delegation_id":  d.ID,
		"target":         CacheKey(d.TargetLevel, d.TargetID),
		"target_version": target.Version,
	})
	return target, nil
}

// List returns delegations matching the filter, pending ones by default.
func (e *DelegationEngine) List(ctx context.Context, filter repository.DelegationFilter) ([]*models.ContextDelegation, error) {
	return e.delegations.List(ctx, filter)
}

// Approve applies a queued delegation to its target.
func (e *DelegationEngine) Approve(ctx context.Context, id string) (*models.DelegationResult, error) {
	d, err := e.delegations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Processed {
		return nil, models.NewConflictingState("delegation %s is already processed", id)
	}
	target, err := e.apply(ctx, d)
	if err != nil {
		return nil, err
	}
	return &models.DelegationResult{
		DelegationID:  d.ID,
		SourceLevel:   d.SourceLevel,
		SourceID:      d.SourceID,
		TargetLevel:   d.TargetLevel,
		TargetID:      d.TargetID,
		Applied:       true,
		TargetVersion: target.Version,
	}, nil
}

// Reject marks a queued delegation as declined without touching the target.
func (e *DelegationEngine) Reject(ctx context.Context, id, reason string) (*models.ContextDelegation, error) {
	d, err := e.delegations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Processed {
		return nil, models.NewConflictingState("delegation %s is already processed", id)
	}
	if err := e.delegations.MarkProcessed(ctx, id, false, reason); err != nil {
		return nil, err
	}
	return e.delegations.Get(ctx, id)
}
