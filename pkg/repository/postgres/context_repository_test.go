package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

func newTestContextRepo(t *testing.T) (repository.ContextRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	repo := NewContextRepository(db, observability.NewNoopLogger(),
		observability.NewNoOpMetricsClient(), observability.NoopStartSpan)
	return repo, mock
}

var contextColumns = []string{
	"id", "level", "user_id", "project_id", "branch_id",
	"data", "insights", "progress", "local_overrides", "delegation_triggers",
	"inheritance_disabled", "version", "created_at", "updated_at",
}

func contextRow(level models.ContextLevel, id string, version int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(contextColumns).AddRow(
		id, string(level), "default_user", nil, nil,
		[]byte(`{"title":"x"}`), []byte(`[]`), []byte(`[]`), []byte(`{}`), []byte(`{}`),
		false, version, now, now)
}

func TestContextGetScansRow(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM contexts WHERE level = $1 AND id = $2`)).
		WithArgs(models.LevelGlobal, models.GlobalContextID).
		WillReturnRows(contextRow(models.LevelGlobal, models.GlobalContextID, 3))

	c, err := repo.Get(context.Background(), models.LevelGlobal, models.GlobalContextID)
	require.NoError(t, err)
	assert.Equal(t, models.GlobalContextID, c.ID)
	assert.Equal(t, 3, c.Version)
	assert.Equal(t, "x", c.Data["title"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContextGetForUpdateLocksRow(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT * FROM contexts WHERE level = $1 AND id = $2 FOR UPDATE`)).
		WithArgs(models.LevelTask, "abc").
		WillReturnRows(contextRow(models.LevelTask, "abc", 1))

	_, err := repo.GetForUpdate(context.Background(), models.LevelTask, "abc")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContextGetMissingRowIsNotFound(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM contexts`)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), models.LevelTask, "missing")
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestContextCreateDuplicateIsAlreadyExists(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO contexts`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &models.Context{
		ID: models.GlobalContextID, Level: models.LevelGlobal, UserID: "default_user",
	})
	assert.Equal(t, models.ErrCodeAlreadyExists, models.CodeOf(err))
}

func TestContextUpdateRefreshesVersionFromStore(t *testing.T) {
	repo, mock := newTestContextRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE contexts`)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(7, now))

	c := &models.Context{ID: "abc", Level: models.LevelTask, Version: 6,
		Data: models.JSONMap{"k": "v"}}
	require.NoError(t, repo.Update(context.Background(), c))
	assert.Equal(t, 7, c.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContextUpdateMissingRowIsNotFound(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE contexts`)).
		WillReturnError(sql.ErrNoRows)

	err := repo.Update(context.Background(), &models.Context{ID: "gone", Level: models.LevelTask})
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestContextListChildrenWalksOneLevelDown(t *testing.T) {
	repo, mock := newTestContextRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT * FROM contexts WHERE level = 'branch' AND project_id = $1 ORDER BY created_at`)).
		WithArgs("proj-1").
		WillReturnRows(contextRow(models.LevelBranch, "br-1", 1))

	children, err := repo.ListChildren(context.Background(), models.LevelProject, "proj-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "br-1", children[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContextListChildrenOfTaskIsEmpty(t *testing.T) {
	repo, _ := newTestContextRepo(t)

	children, err := repo.ListChildren(context.Background(), models.LevelTask, "t-1")
	require.NoError(t, err)
	assert.Nil(t, children)
}
