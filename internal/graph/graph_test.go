package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstage/loom/internal/model"
)

func stage(id string, deps ...string) *model.Stage {
	st := model.NewStage(id, id)
	st.Dependencies = deps
	return st
}

func build(t *testing.T, stages ...*model.Stage) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.Build(stages))
	return g
}

func TestBuild_RejectsCycle(t *testing.T) {
	g := New()
	err := g.Build([]*model.Stage{stage("a", "b"), stage("b", "a")})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuild_RejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]*model.Stage{stage("a", "ghost")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestComputeLevels_Diamond(t *testing.T) {
	g := build(t, stage("a"), stage("b", "a"), stage("c", "a"), stage("d", "b", "c"))

	assert.Equal(t, 0, g.Level("a"))
	assert.Equal(t, 1, g.Level("b"))
	assert.Equal(t, 1, g.Level("c"))
	assert.Equal(t, 2, g.Level("d"))
}

func TestReadyStages_RootsOnly(t *testing.T) {
	g := build(t, stage("a"), stage("b", "a"), stage("z"))

	// Stages with no dependencies are immediately ready.
	assert.Equal(t, []string{"a", "z"}, g.ReadyStages())
}

func TestReadyStages_RequiresCompletedAndMerged(t *testing.T) {
	a, b := stage("a"), stage("b", "a")
	g := build(t, a, b)

	a.Status = model.StatusCompleted
	assert.Empty(t, g.ReadyStages(), "completed but unmerged must not satisfy the dependency")

	a.Merged = true
	assert.Equal(t, []string{"b"}, g.ReadyStages())
}

func TestReadyStages_ExcludesHeld(t *testing.T) {
	a := stage("a")
	a.Held = true
	g := build(t, a)
	assert.Empty(t, g.ReadyStages())
}

func TestReadyStages_DiamondJoinWaitsForBothBranches(t *testing.T) {
	a, b, c, d := stage("a"), stage("b", "a"), stage("c", "a"), stage("d", "b", "c")
	g := build(t, a, b, c, d)

	a.Status, a.Merged = model.StatusCompleted, true
	b.Status, b.Merged = model.StatusCompleted, true
	// c is still executing: d must not become ready.
	c.Status = model.StatusExecuting
	assert.Empty(t, g.ReadyStages())

	c.Status, c.Merged = model.StatusCompleted, true
	assert.Equal(t, []string{"d"}, g.ReadyStages())
}

func TestReadyStages_SortedByLevelThenID(t *testing.T) {
	g := build(t, stage("b"), stage("a"), stage("c", "a"))
	assert.Equal(t, []string{"a", "b"}, g.ReadyStages())
}

func TestTriggerDependents(t *testing.T) {
	g := build(t, stage("a"), stage("b", "a"), stage("c", "a"), stage("d", "b"))
	assert.Equal(t, []string{"b", "c"}, g.TriggerDependents("a"))
	assert.Empty(t, g.TriggerDependents("d"))
}

func TestSyncStage_CopiesSchedulingFields(t *testing.T) {
	a := stage("a")
	g := build(t, a)

	fromFile := stage("a")
	fromFile.Status = model.StatusCompleted
	fromFile.Merged = true
	fromFile.Held = true
	fromFile.SetOutput("k", "v", "a")
	g.SyncStage(fromFile)

	node := g.Stage("a")
	assert.Equal(t, model.StatusCompleted, node.Status)
	assert.True(t, node.Merged)
	assert.True(t, node.Held)
	assert.Len(t, node.Outputs, 1)
}

func TestReadyStages_NoOpResyncIsStable(t *testing.T) {
	a, b := stage("a"), stage("b", "a")
	g := build(t, a, b)
	a.Status, a.Merged = model.StatusCompleted, true

	first := g.ReadyStages()
	second := g.ReadyStages()
	assert.Equal(t, first, second)
}

func TestBuild_ErrorLeavesGraphIntact(t *testing.T) {
	g := build(t, stage("a"))
	err := g.Build([]*model.Stage{stage("x", "y")})
	require.Error(t, err)
	assert.NotNil(t, g.Stage("a"))
	assert.Equal(t, 1, g.Size())
}
