package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePorcelain(t *testing.T) {
	output := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.worktrees/api
HEAD 2222222222222222222222222222222222222222
branch refs/heads/loom/api

worktree /repo/.worktrees/schema
HEAD 3333333333333333333333333333333333333333
branch refs/heads/loom/schema

worktree /repo/.worktrees/detached
HEAD 4444444444444444444444444444444444444444
detached
`
	result := parsePorcelain(output)
	require.Len(t, result, 2, "only loom/ branches are managed worktrees")

	assert.Equal(t, "api", result[0].StageID)
	assert.Equal(t, "/repo/.worktrees/api", result[0].Path)
	assert.Equal(t, "loom/api", result[0].Branch)
	assert.Equal(t, "schema", result[1].StageID)
}

func TestParsePorcelain_Empty(t *testing.T) {
	assert.Empty(t, parsePorcelain(""))
}

func TestParsePorcelain_NoTrailingBlankLine(t *testing.T) {
	output := "worktree /repo/.worktrees/api\nbranch refs/heads/loom/api"
	result := parsePorcelain(output)
	require.Len(t, result, 1)
	assert.Equal(t, "api", result[0].StageID)
}

func TestBranchNameForStage(t *testing.T) {
	assert.Equal(t, "loom/api", branchNameForStage("api"))
}
