package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func TestSubtaskCreateAndRollup(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	first, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step one"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Progress.Total)

	second, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step two"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Progress.Total)
	assert.Equal(t, 0, second.Progress.Completed)
	assert.False(t, second.Progress.ReadyToComplete)

	// Rollup lands in the task context.
	taskCtx, err := f.resolver.Get(ctx, models.LevelTask, task.ID.String())
	require.NoError(t, err)
	rollup := taskCtx.Data["subtask_progress"].(map[string]interface{})
	assert.Equal(t, 2, rollup["total"])
}

func TestSubtaskCreateOnTerminalParentRejected(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	_, err := f.tasks.Complete(ctx, task.ID, "done", "")
	require.NoError(t, err)

	_, err = f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "too late"})
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestSubtaskUpdateProgress(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	pct := 50
	result, err := f.subtasks.Update(ctx, task.ID, created.Subtask.ID, UpdateSubtaskInput{
		ProgressPercentage: &pct,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, result.Subtask.ProgressPercentage)
	assert.Equal(t, 50, result.Progress.Percentage)

	bad := 150
	_, err = f.subtasks.Update(ctx, task.ID, created.Subtask.ID, UpdateSubtaskInput{
		ProgressPercentage: &bad,
	})
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestSubtaskUpdateRejectsDirectDone(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	done := string(models.TaskStatusDone)
	_, err = f.subtasks.Update(ctx, task.ID, created.Subtask.ID, UpdateSubtaskInput{Status: &done})
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestSubtaskCompleteRequiresSummary(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	_, err = f.subtasks.Complete(ctx, CompleteSubtaskInput{
		TaskID: task.ID, SubtaskID: created.Subtask.ID,
	})
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestSubtaskCompleteRollsUpAndPromotesInsights(t *testing.T) {
	f := newFixture(t)
	project, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	result, err := f.subtasks.Complete(ctx, CompleteSubtaskInput{
		TaskID:            task.ID,
		SubtaskID:         created.Subtask.ID,
		CompletionSummary: "implemented and verified",
		InsightsFound:     []string{"REUSABLE: cache the JWKS response", "local note"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusDone, result.Subtask.Status)
	assert.Equal(t, 100, result.Subtask.ProgressPercentage)
	assert.True(t, result.Progress.ReadyToComplete)
	require.Len(t, result.Delegations, 1)
	assert.True(t, result.Delegations[0].Applied)

	projectCtx, err := f.resolver.Get(ctx, models.LevelProject, project.ID.String())
	require.NoError(t, err)
	insights := projectCtx.Data["insights"].([]interface{})
	require.Len(t, insights, 1)
	assert.Equal(t, "cache the JWKS response",
		insights[0].(map[string]interface{})["content"])
}

func TestSubtaskCompleteIdempotent(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	_, err = f.subtasks.Complete(ctx, CompleteSubtaskInput{
		TaskID: task.ID, SubtaskID: created.Subtask.ID, CompletionSummary: "first",
	})
	require.NoError(t, err)

	again, err := f.subtasks.Complete(ctx, CompleteSubtaskInput{
		TaskID: task.ID, SubtaskID: created.Subtask.ID, CompletionSummary: "second",
	})
	require.NoError(t, err)
	assert.Equal(t, "first", again.Subtask.CompletionSummary)
	assert.Empty(t, again.Delegations)
}

func TestSubtaskWrongParentIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	taskA := f.seedTask(t, branch.ID, "a", "medium")
	taskB := f.seedTask(t, branch.ID, "b", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: taskA.ID, Title: "step"})
	require.NoError(t, err)

	_, err = f.subtasks.Get(ctx, taskB.ID, created.Subtask.ID)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestSubtaskDeleteRollsBackProgress(t *testing.T) {
	f := newFixture(t)
	_, branch := f.seedProjectBranch(t)
	task := f.seedTask(t, branch.ID, "parent", "medium")
	ctx := context.Background()

	created, err := f.subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	progress, err := f.subtasks.Delete(ctx, task.ID, created.Subtask.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Total)
	assert.True(t, progress.ReadyToComplete)
}
