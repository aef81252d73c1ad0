// Package cached layers the shared entity cache over the Postgres
// repositories. Contexts are by far the hottest rows (every resolve walks
// the chain), so the decorator covers ContextRepository only.
package cached

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

const defaultContextTTL = 30 * time.Second

// ContextRepository is a read-through cache over an inner ContextRepository.
// Get serves from the cache when possible; every write invalidates the key
// so a stale version can never satisfy an optimistic-lock check.
// GetForUpdate always goes to the database, since its point is the row lock.
type ContextRepository struct {
	inner  repository.ContextRepository
	cache  cache.Cache
	ttl    time.Duration
	logger observability.Logger
}

// NewContextRepository wraps inner with the given cache. A zero ttl uses a
// short default; the cache is a staleness bound, not a source of truth.
func NewContextRepository(inner repository.ContextRepository, c cache.Cache,
	ttl time.Duration, logger observability.Logger) *ContextRepository {
	if ttl <= 0 {
		ttl = defaultContextTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ContextRepository{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func contextKey(level models.ContextLevel, id string) string {
	return fmt.Sprintf("context:%s:%s", level, id)
}

func (r *ContextRepository) Create(ctx context.Context, c *models.Context) error {
	if err := r.inner.Create(ctx, c); err != nil {
		return err
	}
	r.invalidate(ctx, c.Level, c.ID)
	return nil
}

func (r *ContextRepository) Get(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	key := contextKey(level, id)

	var hit models.Context
	err := r.cache.Get(ctx, key, &hit)
	if err == nil {
		return &hit, nil
	}
	if err != cache.ErrNotFound {
		// A flaky cache degrades to a database read, never to a failure.
		r.logger.Warn("context cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	c, err := r.inner.Get(ctx, level, id)
	if err != nil {
		return nil, err
	}
	if setErr := r.cache.Set(ctx, key, c, r.ttl); setErr != nil {
		r.logger.Warn("context cache write failed", map[string]interface{}{
			"key":   key,
			"error": setErr.Error(),
		})
	}
	return c, nil
}

func (r *ContextRepository) GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return r.inner.GetForUpdate(ctx, level, id)
}

func (r *ContextRepository) Update(ctx context.Context, c *models.Context) error {
	if err := r.inner.Update(ctx, c); err != nil {
		return err
	}
	r.invalidate(ctx, c.Level, c.ID)
	return nil
}

func (r *ContextRepository) Delete(ctx context.Context, level models.ContextLevel, id string) error {
	if err := r.inner.Delete(ctx, level, id); err != nil {
		return err
	}
	r.invalidate(ctx, level, id)
	return nil
}

func (r *ContextRepository) List(ctx context.Context, level models.ContextLevel, filter repository.ContextFilter) ([]*models.Context, error) {
	return r.inner.List(ctx, level, filter)
}

func (r *ContextRepository) ListChildren(ctx context.Context, level models.ContextLevel, id string) ([]*models.Context, error) {
	return r.inner.ListChildren(ctx, level, id)
}

func (r *ContextRepository) invalidate(ctx context.Context, level models.ContextLevel, id string) {
	key := contextKey(level, id)
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("context cache invalidation failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}
