package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/model"
)

const samplePlan = `# V1 Rollout

## Overview

Ship the v1 API with authentication.

The schema lands first; everything else builds on it.

## Stages

| id | name | dependencies | acceptance | files | type |
|---|---|---|---|---|---|
| schema | Define schema | none | ` + "`go test ./internal/schema/...`" + ` | internal/schema/** | |
| api | Build API | schema | ` + "`go test ./...`; `go vet ./...`" + ` | internal/api/**, cmd/** | |
| docs | Record learnings | api | - | - | knowledge |
`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesStageTable(t *testing.T) {
	p, err := Load(writePlan(t, "v1-rollout.md", samplePlan))
	require.NoError(t, err)

	assert.Equal(t, "v1-rollout", p.ID)
	assert.Equal(t, "V1 Rollout", p.Name)
	require.Len(t, p.Stages, 3)

	schema := p.Stages[0]
	assert.Equal(t, "schema", schema.ID)
	assert.Equal(t, "Define schema", schema.Name)
	assert.Empty(t, schema.Dependencies)
	assert.Equal(t, []string{"go test ./internal/schema/..."}, schema.Acceptance)
	assert.Equal(t, []string{"internal/schema/**"}, schema.Files)

	api := p.Stages[1]
	assert.Equal(t, []string{"schema"}, api.Dependencies)
	assert.Equal(t, []string{"go test ./...", "go vet ./..."}, api.Acceptance)
	assert.Equal(t, []string{"internal/api/**", "cmd/**"}, api.Files)

	docs := p.Stages[2]
	assert.Equal(t, "knowledge", docs.StageType)
	assert.Empty(t, docs.Acceptance)
}

func TestLoad_ExtractsOverviewProse(t *testing.T) {
	p, err := Load(writePlan(t, "v1-rollout.md", samplePlan))
	require.NoError(t, err)

	assert.Contains(t, p.Overview, "Ship the v1 API with authentication.")
	assert.Contains(t, p.Overview, "schema lands first")
	assert.NotContains(t, p.Overview, "| id |", "the stage table is not prose")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "ghost.md"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLoad_NoStageTable(t *testing.T) {
	_, err := Load(writePlan(t, "empty.md", "# Plan\n\n## Overview\n\nNothing here.\n"))
	assert.ErrorIs(t, err, errs.ErrMalformed)
}

func TestLoad_RowMissingID(t *testing.T) {
	bad := "# P\n\n| id | name |\n|---|---|\n| | anonymous |\n"
	_, err := Load(writePlan(t, "bad.md", bad))
	assert.ErrorIs(t, err, errs.ErrMalformed)
}

func TestToStages_AppliesDefaults(t *testing.T) {
	p, err := Load(writePlan(t, "v1-rollout.md", samplePlan))
	require.NoError(t, err)

	stages := p.ToStages()
	require.Len(t, stages, 3)
	assert.Equal(t, model.StatusWaitingForDeps, stages[0].Status)
	assert.Equal(t, model.DefaultMaxRetries, stages[0].MaxRetries)
	assert.Equal(t, model.StageKnowledge, stages[2].StageType)
}

func TestPlanID_StableAcrossLifecycleRenames(t *testing.T) {
	for _, name := range []string{"v1.md", "IN_PROGRESS-v1.md", "DONE-v1.md"} {
		p, err := Load(writePlan(t, name, samplePlan))
		require.NoError(t, err)
		assert.Equal(t, "v1", p.ID, "file %s", name)
	}
}

func TestMarkInProgressAndDone(t *testing.T) {
	path := writePlan(t, "v1.md", samplePlan)

	inProgress, err := MarkInProgress(path)
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS-v1.md", filepath.Base(inProgress))
	assert.True(t, IsInProgress(inProgress))

	// Idempotent.
	same, err := MarkInProgress(inProgress)
	require.NoError(t, err)
	assert.Equal(t, inProgress, same)

	done, err := MarkDone(inProgress)
	require.NoError(t, err)
	assert.Equal(t, "DONE-v1.md", filepath.Base(done))
	assert.True(t, IsDone(done))

	_, err = os.Stat(inProgress)
	assert.True(t, os.IsNotExist(err))
}
