package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func TestGuidanceReflectsSubtaskRollup(t *testing.T) {
	open := GuidanceFor("manage_subtask", "complete", map[string]interface{}{
		"progress": models.SubtaskProgress{Total: 3, Completed: 1},
	})
	require.NotNil(t, open)
	assert.Contains(t, open.Hint, "2 of 3")
	assert.NotContains(t, open.NextActions, "manage_task.complete")

	ready := GuidanceFor("manage_subtask", "complete", map[string]interface{}{
		"progress": models.SubtaskProgress{Total: 3, Completed: 3, ReadyToComplete: true},
	})
	require.NotNil(t, ready)
	assert.Equal(t, []string{"manage_task.complete"}, ready.NextActions)
}

func TestGuidanceReflectsDelegationOutcome(t *testing.T) {
	queued := GuidanceFor("manage_context", "delegate", map[string]interface{}{
		"delegation_result": &models.DelegationResult{Queued: true},
	})
	require.NotNil(t, queued)
	assert.Contains(t, queued.NextActions, "manage_context.approve_delegation")

	applied := GuidanceFor("manage_context", "delegate", map[string]interface{}{
		"delegation_result": &models.DelegationResult{Applied: true, TargetLevel: models.LevelBranch},
	})
	require.NotNil(t, applied)
	assert.Contains(t, applied.Hint, "branch")
	assert.Equal(t, []string{"manage_context.resolve"}, applied.NextActions)
}

func TestGuidanceReflectsEmptyNextPick(t *testing.T) {
	empty := GuidanceFor("manage_task", "next", map[string]interface{}{"task": nil})
	require.NotNil(t, empty)
	assert.Contains(t, empty.NextActions, "manage_task.create")

	picked := GuidanceFor("manage_task", "next", map[string]interface{}{"task": &models.Task{}})
	require.NotNil(t, picked)
	assert.Equal(t, []string{"manage_task.update"}, picked.NextActions)
}
