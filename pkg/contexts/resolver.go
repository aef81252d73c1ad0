package contexts

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// maxChainLength bounds the resolve walk. The hierarchy has four levels, so
// anything longer means the parent pointers form a loop.
const maxChainLength = 8

// ResolveOptions tunes a single resolve call.
type ResolveOptions struct {
	// ForceRefresh bypasses the cache and re-reads every chain member.
	ForceRefresh bool
	// IncludeInherited controls whether ancestor data is merged in. When
	// false only the leaf's own data (plus its local overrides) is
	// returned, and the result is not cached.
	IncludeInherited bool
}

// DefaultResolveOptions returns the options used when the caller passes none.
func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{IncludeInherited: true}
}

// UpdateOptions tunes a context update.
type UpdateOptions struct {
	// ExpectedVersion, when set, makes the update conditional: a mismatch
	// fails with CONFLICTING_STATE and writes nothing.
	ExpectedVersion *int
	// ReplaceData swaps the document wholesale instead of merging.
	ReplaceData bool
}

// Resolver walks the inheritance chain, merges it, and keeps the resolve
// cache coherent with writes.
type Resolver struct {
	repo    repository.ContextRepository
	cache   *ResolveCache
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// NewResolver wires a resolver over the context repository and cache.
func NewResolver(repo repository.ContextRepository, cache *ResolveCache,
	logger observability.Logger, metrics observability.MetricsClient,
	tracer observability.StartSpanFunc) *Resolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	return &Resolver{repo: repo, cache: cache, logger: logger, metrics: metrics, tracer: tracer}
}

// Cache exposes the resolve cache for stats and cross-service invalidation.
func (r *Resolver) Cache() *ResolveCache { return r.cache }

// Resolve returns the merged view of the context at (level, id).
func (r *Resolver) Resolve(ctx context.Context, level models.ContextLevel, id string, opts ResolveOptions) (*models.ResolvedContext, error) {
	ctx, span := r.tracer(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttribute(string(observability.ContextLevelAttributeKey), string(level))
	span.SetAttribute(string(observability.ContextIDAttributeKey), id)

	if !level.Valid() {
		return nil, models.NewValidation("unknown context level: %s", string(level))
	}

	cacheable := opts.IncludeInherited
	if cacheable && !opts.ForceRefresh && r.cache != nil {
		if resolved, ok := r.cache.Get(level, id); ok {
			return resolved, nil
		}
	}

	chain, err := r.chain(ctx, level, id)
	if err != nil {
		return nil, err
	}

	members := chain
	if !opts.IncludeInherited {
		members = chain[len(chain)-1:]
	} else {
		// inheritance_disabled on a member severs everything above it;
		// the leaf-most disabled member becomes the effective root.
		for i := len(members) - 1; i >= 0; i-- {
			if members[i].InheritanceDisabled {
				members = members[i:]
				break
			}
		}
	}

	merged := models.JSONMap{}
	entries := make([]models.ChainEntry, 0, len(members))
	names := make([]string, 0, len(members))
	for _, member := range members {
		merged = MergeData(merged, member.Data)
		entries = append(entries, models.ChainEntry{Level: member.Level, ID: member.ID, Version: member.Version})
		names = append(names, string(member.Level))
	}

	// Local overrides on the leaf always win, even over the leaf's own data.
	leaf := chain[len(chain)-1]
	if len(leaf.LocalOverrides) > 0 {
		merged = MergeData(merged, leaf.LocalOverrides)
	}

	resolved := &models.ResolvedContext{
		Level:            level,
		ID:               id,
		Data:             merged,
		InheritanceChain: names,
		Chain:            entries,
		DependencyHash:   DependencyHash(entries),
		CacheHit:         false,
		ResolvedAt:       time.Now().UTC(),
	}
	if cacheable && r.cache != nil {
		r.cache.Put(resolved)
	}
	return resolved, nil
}

// chain loads the contexts from the requested leaf up to global and returns
// them root-first. A missing leaf is NOT_FOUND; a missing ancestor is
// MISSING_PARENT; a repeated member is CIRCULAR_INHERITANCE.
func (r *Resolver) chain(ctx context.Context, level models.ContextLevel, id string) ([]*models.Context, error) {
	seen := make(map[string]struct{})
	var reversed []*models.Context

	curLevel, curID := level, id
	for {
		key := CacheKey(curLevel, curID)
		if _, dup := seen[key]; dup {
			return nil, models.NewCircularInheritance(key)
		}
		if len(reversed) >= maxChainLength {
			return nil, models.NewCircularInheritance(key)
		}
		seen[key] = struct{}{}

		member, err := r.repo.Get(ctx, curLevel, curID)
		if err != nil {
			if models.CodeOf(err) == models.ErrCodeNotFound {
				if len(reversed) == 0 {
					return nil, err
				}
				return nil, models.NewMissingParent(string(curLevel), curID)
			}
			return nil, err
		}
		reversed = append(reversed, member)

		parentLevel, parentID, ok := member.ParentRef()
		if !ok {
			if member.Level != models.LevelGlobal {
				return nil, models.NewMissingParent(string(parentLevel), "")
			}
			break
		}
		curLevel, curID = parentLevel, parentID
	}

	chain := make([]*models.Context, len(reversed))
	for i, member := range reversed {
		chain[len(reversed)-1-i] = member
	}
	return chain, nil
}

// Get fetches the raw stored context without merging.
func (r *Resolver) Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return r.repo.Get(ctx, level, id)
}

// Create stores a new context after verifying its parent context exists.
// The caller fills parent pointers from the owning entity.
func (r *Resolver) Create(ctx context.Context, c *models.Context) error {
	ctx, span := r.tracer(ctx, "Resolver.Create")
	defer span.End()

	if !c.Level.Valid() {
		return models.NewValidation("unknown context level: %s", string(c.Level))
	}
	if c.Level == models.LevelGlobal && c.ID != models.GlobalContextID {
		return models.NewValidation("global context id must be %s", models.GlobalContextID)
	}
	if c.Level != models.LevelGlobal {
		parentLevel, parentID, ok := c.ParentRef()
		if !ok {
			return models.NewValidation("context at level %s requires a parent reference", string(c.Level))
		}
		if _, err := r.repo.Get(ctx, parentLevel, parentID); err != nil {
			if models.CodeOf(err) == models.ErrCodeNotFound {
				return models.NewMissingParent(string(parentLevel), parentID)
			}
			return err
		}
	}

	if err := r.repo.Create(ctx, c); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Invalidate(c.Level, c.ID)
	}
	return nil
}

// Update merges (or replaces) data on a stored context under a row lock.
// Insights, progress, overrides and triggers are mutated through Apply.
func (r *Resolver) Update(ctx context.Context, level models.ContextLevel, id string, data models.JSONMap, opts UpdateOptions) (*models.Context, error) {
	return r.Apply(ctx, level, id, opts.ExpectedVersion, func(c *models.Context) error {
		if opts.ReplaceData {
			c.Data = data.Clone()
		} else {
			c.Data = MergeData(c.Data, data)
		}
		return nil
	})
}

// Apply locks the context row, runs mutate on the loaded model, persists it
// with an atomic version bump, and invalidates dependent cache entries.
// Callers compose multiple Apply calls inside one transaction via TxManager.
func (r *Resolver) Apply(ctx context.Context, level models.ContextLevel, id string, expectedVersion *int, mutate func(c *models.Context) error) (*models.Context, error) {
	ctx, span := r.tracer(ctx, "Resolver.Apply")
	defer span.End()
	span.SetAttribute(string(observability.ContextLevelAttributeKey), string(level))
	span.SetAttribute(string(observability.ContextIDAttributeKey), id)

	c, err := r.repo.GetForUpdate(ctx, level, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && c.Version != *expectedVersion {
		return nil, models.NewConflictingState(
			"context %s version mismatch", CacheKey(level, id)).
			WithDetail("expected_version", *expectedVersion).
			WithDetail("actual_version", c.Version)
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	if err := r.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Invalidate(level, id)
	}
	return c, nil
}

// Delete removes a context, refusing while child contexts still reference
// it. The error carries the blocking child ids.
func (r *Resolver) Delete(ctx context.Context, level models.ContextLevel, id string) error {
	ctx, span := r.tracer(ctx, "Resolver.Delete")
	defer span.End()

	children, err := r.repo.ListChildren(ctx, level, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		ids := make([]string, len(children))
		for i, child := range children {
			ids[i] = child.ID
		}
		return models.NewInvariantViolation(
			"context has child contexts and cannot be deleted",
			"blocking_children", ids)
	}
	if err := r.repo.Delete(ctx, level, id); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Invalidate(level, id)
	}
	return nil
}

// List returns stored contexts at a level, optionally filtered by owner.
func (r *Resolver) List(ctx context.Context, level models.ContextLevel, filter repository.ContextFilter) ([]*models.Context, error) {
	return r.repo.List(ctx, level, filter)
}
