package cached

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// fakeContextRepo counts reads so tests can tell cache hits from misses.
type fakeContextRepo struct {
	gets       int
	lockedGets int
	stored     map[string]*models.Context
}

func newFakeContextRepo() *fakeContextRepo {
	return &fakeContextRepo{stored: map[string]*models.Context{}}
}

func (f *fakeContextRepo) key(level models.ContextLevel, id string) string {
	return string(level) + "/" + id
}

func (f *fakeContextRepo) Create(_ context.Context, c *models.Context) error {
	f.stored[f.key(c.Level, c.ID)] = c
	return nil
}

func (f *fakeContextRepo) Get(_ context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	f.gets++
	c, ok := f.stored[f.key(level, id)]
	if !ok {
		return nil, models.NewNotFound("context", id)
	}
	return c, nil
}

func (f *fakeContextRepo) GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	f.lockedGets++
	c, ok := f.stored[f.key(level, id)]
	if !ok {
		return nil, models.NewNotFound("context", id)
	}
	return c, nil
}

func (f *fakeContextRepo) Update(_ context.Context, c *models.Context) error {
	c.Version++
	f.stored[f.key(c.Level, c.ID)] = c
	return nil
}

func (f *fakeContextRepo) Delete(_ context.Context, level models.ContextLevel, id string) error {
	delete(f.stored, f.key(level, id))
	return nil
}

func (f *fakeContextRepo) List(_ context.Context, _ models.ContextLevel, _ repository.ContextFilter) ([]*models.Context, error) {
	return nil, nil
}

func (f *fakeContextRepo) ListChildren(_ context.Context, _ models.ContextLevel, _ string) ([]*models.Context, error) {
	return nil, nil
}

func setupCachedRepo(t *testing.T) (*ContextRepository, *fakeContextRepo, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisCache, err := cache.NewRedisCache(cache.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisCache.Close() })

	inner := newFakeContextRepo()
	return NewContextRepository(inner, redisCache, time.Minute, nil), inner, mr
}

func seedContext(t *testing.T, repo *ContextRepository) *models.Context {
	t.Helper()
	c := &models.Context{
		ID:      "11111111-2222-3333-4444-555555555555",
		Level:   models.LevelTask,
		UserID:  "default_user",
		Data:    models.JSONMap{"title": "first"},
		Version: 1,
	}
	require.NoError(t, repo.Create(context.Background(), c))
	return c
}

func TestGetServesSecondReadFromCache(t *testing.T) {
	repo, inner, _ := setupCachedRepo(t)
	c := seedContext(t, repo)
	ctx := context.Background()

	first, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)
	second, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.gets)
	assert.Equal(t, first.Data, second.Data)
}

func TestUpdateInvalidatesCachedEntry(t *testing.T) {
	repo, inner, _ := setupCachedRepo(t)
	c := seedContext(t, repo)
	ctx := context.Background()

	_, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)

	c.Data = models.JSONMap{"title": "second"}
	require.NoError(t, repo.Update(ctx, c))

	got, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Data["title"])
	assert.Equal(t, 2, inner.gets)
}

func TestDeleteInvalidatesCachedEntry(t *testing.T) {
	repo, _, _ := setupCachedRepo(t)
	c := seedContext(t, repo)
	ctx := context.Background()

	_, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, c.Level, c.ID))

	_, err = repo.Get(ctx, c.Level, c.ID)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestGetForUpdateBypassesCache(t *testing.T) {
	repo, inner, _ := setupCachedRepo(t)
	c := seedContext(t, repo)
	ctx := context.Background()

	_, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)
	_, err = repo.GetForUpdate(ctx, c.Level, c.ID)
	require.NoError(t, err)
	_, err = repo.GetForUpdate(ctx, c.Level, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, inner.lockedGets)
}

func TestCacheOutageDegradesToDatabase(t *testing.T) {
	repo, inner, mr := setupCachedRepo(t)
	c := seedContext(t, repo)
	ctx := context.Background()

	mr.Close()

	got, err := repo.Get(ctx, c.Level, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, 1, inner.gets)
}
