package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{
		"rules": map[string]interface{}{"style": "strict"},
		"lists": []interface{}{"a", "b"},
		"count": float64(3),
	}

	v, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, m, scanned)

	var fromString JSONMap
	require.NoError(t, fromString.Scan(`{"k":"v"}`))
	assert.Equal(t, "v", fromString["k"])

	var fromNil JSONMap
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	assert.Error(t, scanned.Scan(42))
}

func TestJSONMapCloneIsolation(t *testing.T) {
	orig := JSONMap{
		"nested": map[string]interface{}{"key": "old"},
		"list":   []interface{}{"one"},
	}

	cp := orig.Clone()
	cp["nested"].(map[string]interface{})["key"] = "new"
	cp["list"] = append(cp["list"].([]interface{}), "two")

	assert.Equal(t, "old", orig["nested"].(map[string]interface{})["key"])
	assert.Len(t, orig["list"], 1)
}

func TestStringListScanValue(t *testing.T) {
	l := StringList{"alpha", "beta"}
	v, err := l.Value()
	require.NoError(t, err)

	var scanned StringList
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, l, scanned)
	assert.True(t, scanned.Contains("alpha"))
	assert.False(t, scanned.Contains("gamma"))

	// nil list still serializes to a JSON array
	var empty StringList
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(v.([]byte)))
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"start from todo", TaskStatusTodo, TaskStatusInProgress, true},
		{"unblock", TaskStatusBlocked, TaskStatusInProgress, true},
		{"submit for review", TaskStatusInProgress, TaskStatusReview, true},
		{"start testing from review", TaskStatusReview, TaskStatusTesting, true},
		{"start testing from in_progress", TaskStatusInProgress, TaskStatusTesting, true},
		{"block while in progress", TaskStatusInProgress, TaskStatusBlocked, true},
		{"block while in review", TaskStatusReview, TaskStatusBlocked, true},
		{"block while testing", TaskStatusTesting, TaskStatusBlocked, true},
		{"cancel from todo", TaskStatusTodo, TaskStatusCancelled, true},
		{"cancel from testing", TaskStatusTesting, TaskStatusCancelled, true},
		{"reopen done", TaskStatusDone, TaskStatusInProgress, true},
		{"reopen cancelled", TaskStatusCancelled, TaskStatusInProgress, true},
		{"todo cannot jump to review", TaskStatusTodo, TaskStatusReview, false},
		{"todo cannot block", TaskStatusTodo, TaskStatusBlocked, false},
		{"done cannot cancel", TaskStatusDone, TaskStatusCancelled, false},
		{"done is not reachable by update", TaskStatusTesting, TaskStatusDone, false},
		{"blocked cannot review", TaskStatusBlocked, TaskStatusReview, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskPriorityRanking(t *testing.T) {
	ordered := []TaskPriority{
		TaskPriorityCritical, TaskPriorityUrgent, TaskPriorityHigh,
		TaskPriorityMedium, TaskPriorityLow,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i-1].Rank(), ordered[i].Rank(),
			"%s should outrank %s", ordered[i-1], ordered[i])
	}
	assert.Equal(t, 0, TaskPriority("bogus").Rank())
	assert.False(t, TaskPriority("bogus").Valid())
}

func TestRollupProgress(t *testing.T) {
	taskID := uuid.New()

	t.Run("no subtasks", func(t *testing.T) {
		p := RollupProgress(taskID, nil)
		assert.Equal(t, 0, p.Percentage)
		assert.True(t, p.ReadyToComplete)
	})

	t.Run("mixed progress rounds the mean", func(t *testing.T) {
		subs := []*Subtask{
			{ProgressPercentage: 100, Status: TaskStatusDone},
			{ProgressPercentage: 50, Status: TaskStatusInProgress},
			{ProgressPercentage: 0, Status: TaskStatusTodo},
		}
		p := RollupProgress(taskID, subs)
		assert.Equal(t, 50, p.Percentage)
		assert.Equal(t, 1, p.Completed)
		assert.False(t, p.ReadyToComplete)
	})

	t.Run("all done", func(t *testing.T) {
		subs := []*Subtask{
			{ProgressPercentage: 100, Status: TaskStatusDone},
			{ProgressPercentage: 100, Status: TaskStatusDone},
		}
		p := RollupProgress(taskID, subs)
		assert.Equal(t, 100, p.Percentage)
		assert.True(t, p.ReadyToComplete)
	})
}

func TestContextLevelChain(t *testing.T) {
	p, ok := LevelTask.Parent()
	require.True(t, ok)
	assert.Equal(t, LevelBranch, p)

	p, ok = LevelBranch.Parent()
	require.True(t, ok)
	assert.Equal(t, LevelProject, p)

	p, ok = LevelProject.Parent()
	require.True(t, ok)
	assert.Equal(t, LevelGlobal, p)

	_, ok = LevelGlobal.Parent()
	assert.False(t, ok)

	_, ok = ParseContextLevel("branch")
	assert.True(t, ok)
	_, ok = ParseContextLevel("galaxy")
	assert.False(t, ok)
}

func TestContextParentRef(t *testing.T) {
	branchID := uuid.New().String()
	projectID := uuid.New().String()

	taskCtx := &Context{Level: LevelTask, BranchID: &branchID}
	lvl, id, ok := taskCtx.ParentRef()
	require.True(t, ok)
	assert.Equal(t, LevelBranch, lvl)
	assert.Equal(t, branchID, id)

	branchCtx := &Context{Level: LevelBranch, ProjectID: &projectID}
	lvl, id, ok = branchCtx.ParentRef()
	require.True(t, ok)
	assert.Equal(t, LevelProject, lvl)
	assert.Equal(t, projectID, id)

	projectCtx := &Context{Level: LevelProject}
	lvl, id, ok = projectCtx.ParentRef()
	require.True(t, ok)
	assert.Equal(t, LevelGlobal, lvl)
	assert.Equal(t, GlobalContextID, id)

	globalCtx := &Context{Level: LevelGlobal, ID: GlobalContextID}
	_, _, ok = globalCtx.ParentRef()
	assert.False(t, ok)

	orphanTask := &Context{Level: LevelTask}
	_, _, ok = orphanTask.ParentRef()
	assert.False(t, ok)
}

func TestAppErrorClassification(t *testing.T) {
	err := NewInvariantViolation("task has unfinished subtasks", "blocking_subtasks", []string{"s1", "s2"})
	assert.Equal(t, ErrCodeInvariantViolation, CodeOf(err))
	assert.Equal(t, []string{"s1", "s2"}, err.Details["blocking_subtasks"])

	nf := NewNotFound("task", "abc")
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.Equal(t, ErrCodeNotFound, CodeOf(nf))

	app := AsAppError(assert.AnError)
	assert.Equal(t, ErrCodeInternal, app.Code)
	assert.Equal(t, "internal error", app.Message)
}
