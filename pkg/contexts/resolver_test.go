package contexts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// memContextRepo is an in-memory ContextRepository for resolver tests.
type memContextRepo struct {
	mu   sync.Mutex
	rows map[string]*models.Context
}

func newMemContextRepo() *memContextRepo {
	return &memContextRepo{rows: make(map[string]*models.Context)}
}

func (m *memContextRepo) clone(c *models.Context) *models.Context {
	out := *c
	out.Data = c.Data.Clone()
	out.LocalOverrides = c.LocalOverrides.Clone()
	return &out
}

func (m *memContextRepo) Create(_ context.Context, c *models.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CacheKey(c.Level, c.ID)
	if _, ok := m.rows[key]; ok {
		return models.NewAlreadyExists("context", key)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Data == nil {
		c.Data = models.JSONMap{}
	}
	m.rows[key] = m.clone(c)
	return nil
}

func (m *memContextRepo) Get(_ context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[CacheKey(level, id)]
	if !ok {
		return nil, models.NewNotFound("context", CacheKey(level, id))
	}
	return m.clone(c), nil
}

func (m *memContextRepo) GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return m.Get(ctx, level, id)
}

func (m *memContextRepo) Update(_ context.Context, c *models.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CacheKey(c.Level, c.ID)
	stored, ok := m.rows[key]
	if !ok {
		return models.NewNotFound("context", key)
	}
	next := m.clone(c)
	next.Version = stored.Version + 1
	next.UpdatedAt = time.Now().UTC()
	m.rows[key] = next
	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *memContextRepo) Delete(_ context.Context, level models.ContextLevel, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CacheKey(level, id)
	if _, ok := m.rows[key]; !ok {
		return models.NewNotFound("context", key)
	}
	delete(m.rows, key)
	return nil
}

func (m *memContextRepo) List(_ context.Context, level models.ContextLevel, _ repository.ContextFilter) ([]*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Context
	for _, c := range m.rows {
		if c.Level == level {
			out = append(out, m.clone(c))
		}
	}
	return out, nil
}

func (m *memContextRepo) ListChildren(_ context.Context, level models.ContextLevel, id string) ([]*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Context
	for _, c := range m.rows {
		parentLevel, parentID, ok := c.ParentRef()
		if ok && parentLevel == level && parentID == id {
			out = append(out, m.clone(c))
		}
	}
	return out, nil
}

func strptr(s string) *string { return &s }

// seedChain builds global -> project p1 -> branch b1 -> task t1.
func seedChain(t *testing.T, repo *memContextRepo) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &models.Context{
		ID: models.GlobalContextID, Level: models.LevelGlobal,
		Data: models.JSONMap{
			"rules": map[string]interface{}{"linter": "ruff", "style": "black"},
			"tags":  []interface{}{"g"},
		},
	}))
	require.NoError(t, repo.Create(ctx, &models.Context{
		ID: "p1", Level: models.LevelProject,
		Data: models.JSONMap{"tags": []interface{}{"p"}},
	}))
	require.NoError(t, repo.Create(ctx, &models.Context{
		ID: "b1", Level: models.LevelBranch, ProjectID: strptr("p1"),
		Data: models.JSONMap{"tags": []interface{}{"b"}},
	}))
	require.NoError(t, repo.Create(ctx, &models.Context{
		ID: "t1", Level: models.LevelTask, BranchID: strptr("b1"),
		Data: models.JSONMap{
			"rules": map[string]interface{}{"style": "isort"},
			"tags":  []interface{}{"t"},
		},
	}))
}

func newTestResolver(t *testing.T, repo *memContextRepo) *Resolver {
	t.Helper()
	cache, err := NewResolveCache(16, time.Minute, nil, nil)
	require.NoError(t, err)
	return NewResolver(repo, cache, nil, nil, nil)
}

func TestResolveMergesFullChain(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)

	resolved, err := resolver.Resolve(context.Background(), models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"global", "project", "branch", "task"}, resolved.InheritanceChain)
	rules := resolved.Data["rules"].(map[string]interface{})
	assert.Equal(t, "isort", rules["style"])
	assert.Equal(t, "ruff", rules["linter"])
	assert.Equal(t, []interface{}{"g", "p", "b", "t"}, resolved.Data["tags"])
	assert.False(t, resolved.CacheHit)
	assert.NotEmpty(t, resolved.DependencyHash)
}

func TestResolveCacheHitAndInvalidation(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)

	second, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.DependencyHash, second.DependencyHash)

	// A project write must evict every cached resolve underneath it.
	_, err = resolver.Update(ctx, models.LevelProject, "p1",
		models.JSONMap{"tags": []interface{}{"p2"}}, UpdateOptions{})
	require.NoError(t, err)

	third, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.NotEqual(t, first.DependencyHash, third.DependencyHash)
	assert.Equal(t, []interface{}{"g", "p", "p2", "b", "t"}, third.Data["tags"])
}

func TestResolveForceRefreshBypassesCache(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)

	refreshed, err := resolver.Resolve(ctx, models.LevelTask, "t1",
		ResolveOptions{ForceRefresh: true, IncludeInherited: true})
	require.NoError(t, err)
	assert.False(t, refreshed.CacheHit)
}

func TestResolveWithoutInheritance(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)

	resolved, err := resolver.Resolve(context.Background(), models.LevelTask, "t1",
		ResolveOptions{IncludeInherited: false})
	require.NoError(t, err)

	assert.Equal(t, []string{"task"}, resolved.InheritanceChain)
	assert.Equal(t, []interface{}{"t"}, resolved.Data["tags"])
	rules := resolved.Data["rules"].(map[string]interface{})
	_, hasLinter := rules["linter"]
	assert.False(t, hasLinter)
}

func TestResolveInheritanceDisabledTruncatesAncestors(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	_, err := resolver.Apply(ctx, models.LevelBranch, "b1", nil, func(c *models.Context) error {
		c.InheritanceDisabled = true
		return nil
	})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"branch", "task"}, resolved.InheritanceChain)
	assert.Equal(t, []interface{}{"b", "t"}, resolved.Data["tags"])
}

func TestResolveLocalOverridesWinLast(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	_, err := resolver.Apply(ctx, models.LevelTask, "t1", nil, func(c *models.Context) error {
		c.LocalOverrides = models.JSONMap{
			"rules": map[string]interface{}{"style": "local"},
		}
		return nil
	})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)
	rules := resolved.Data["rules"].(map[string]interface{})
	assert.Equal(t, "local", rules["style"])
	assert.Equal(t, "ruff", rules["linter"])
}

func TestResolveMissingLeafIsNotFound(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)

	_, err := resolver.Resolve(context.Background(), models.LevelTask, "nope", DefaultResolveOptions())
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestResolveMissingAncestorIsMissingParent(t *testing.T) {
	repo := newMemContextRepo()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &models.Context{
		ID: "orphan", Level: models.LevelTask, BranchID: strptr("ghost"),
	}))
	resolver := newTestResolver(t, repo)

	_, err := resolver.Resolve(ctx, models.LevelTask, "orphan", DefaultResolveOptions())
	assert.Equal(t, models.ErrCodeMissingParent, models.CodeOf(err))
}

func TestCreateRequiresParentContext(t *testing.T) {
	repo := newMemContextRepo()
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	err := resolver.Create(ctx, &models.Context{
		ID: "b1", Level: models.LevelBranch, ProjectID: strptr("p1"),
	})
	assert.Equal(t, models.ErrCodeMissingParent, models.CodeOf(err))
}

func TestUpdateExpectedVersionConflict(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	wrong := 99
	_, err := resolver.Update(ctx, models.LevelTask, "t1",
		models.JSONMap{"x": 1}, UpdateOptions{ExpectedVersion: &wrong})
	assert.Equal(t, models.ErrCodeConflictingState, models.CodeOf(err))

	right := 1
	updated, err := resolver.Update(ctx, models.LevelTask, "t1",
		models.JSONMap{"x": 1}, UpdateOptions{ExpectedVersion: &right})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
}

func TestConcurrentUpdatesAllBumpVersion(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = resolver.Update(ctx, models.LevelTask, "t1",
				models.JSONMap{"n": 1}, UpdateOptions{})
		}()
	}
	wg.Wait()

	c, err := resolver.Get(ctx, models.LevelTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1+writers, c.Version)
}

func TestDeleteRefusedWhileChildrenExist(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	err := resolver.Delete(ctx, models.LevelBranch, "b1")
	require.Error(t, err)
	app := models.AsAppError(err)
	assert.Equal(t, models.ErrCodeInvariantViolation, app.Code)
	assert.Equal(t, []string{"t1"}, app.Details["blocking_children"])

	require.NoError(t, resolver.Delete(ctx, models.LevelTask, "t1"))
	require.NoError(t, resolver.Delete(ctx, models.LevelBranch, "b1"))
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	repo := newMemContextRepo()
	seedChain(t, repo)
	resolver := newTestResolver(t, repo)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, models.LevelTask, "t1", DefaultResolveOptions())
	require.NoError(t, err)

	stats := resolver.Cache().Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.Size)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache, err := NewResolveCache(4, 10*time.Millisecond, nil, nil)
	require.NoError(t, err)

	cache.Put(&models.ResolvedContext{
		Level: models.LevelTask, ID: "t1",
		Data:  models.JSONMap{"k": "v"},
		Chain: []models.ChainEntry{{Level: models.LevelTask, ID: "t1", Version: 1}},
	})
	_, ok := cache.Get(models.LevelTask, "t1")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(models.LevelTask, "t1")
	assert.False(t, ok)
}

func TestCacheEvictionUnlinksDependencyIndex(t *testing.T) {
	cache, err := NewResolveCache(2, 0, nil, nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		cache.Put(&models.ResolvedContext{
			Level: models.LevelTask, ID: id,
			Data: models.JSONMap{},
			Chain: []models.ChainEntry{
				{Level: models.LevelGlobal, ID: models.GlobalContextID, Version: 1},
				{Level: models.LevelTask, ID: id, Version: 1},
			},
		})
	}

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Evictions)

	// Invalidating the shared root drops the survivors only.
	evicted := cache.Invalidate(models.LevelGlobal, models.GlobalContextID)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 0, cache.Stats().Size)
}
