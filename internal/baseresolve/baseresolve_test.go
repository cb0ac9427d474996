package baseresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/model"
)

// fakeBranches implements git.BranchOperations over an in-memory set.
type fakeBranches struct {
	branches       map[string]bool
	defaultBranch  string
	existsCalls int
}

func (f *fakeBranches) CurrentBranch() (string, error)            { return f.defaultBranch, nil }
func (f *fakeBranches) CreateBranch(string) error                 { return nil }
func (f *fakeBranches) CreateAndCheckoutBranch(string) error      { return nil }
func (f *fakeBranches) CheckoutBranch(string) error               { return nil }
func (f *fakeBranches) DeleteBranch(string) error                 { return nil }
func (f *fakeBranches) DefaultBranch() (string, error)            { return f.defaultBranch, nil }
func (f *fakeBranches) BranchExists(name string) (bool, error) {
	f.existsCalls++
	return f.branches[name], nil
}

func graphWith(t *testing.T, stages ...*model.Stage) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.Build(stages))
	return g
}

func dep(id string, status model.StageStatus, merged bool) *model.Stage {
	st := model.NewStage(id, id)
	st.Status = status
	st.Merged = merged
	return st
}

func TestResolve_NoDependencies(t *testing.T) {
	g := graphWith(t, model.NewStage("api", "api"))
	git := &fakeBranches{defaultBranch: "main"}

	got, err := Resolve("api", nil, g, git, "")
	require.NoError(t, err)
	assert.Equal(t, KindMain, got.Kind)
	assert.Equal(t, "main", got.BranchName)
}

func TestResolve_ConfiguredBaseWins(t *testing.T) {
	g := graphWith(t, model.NewStage("api", "api"))
	git := &fakeBranches{defaultBranch: "main"}

	got, err := Resolve("api", nil, g, git, "develop")
	require.NoError(t, err)
	assert.Equal(t, "develop", got.BranchName)
}

func TestResolve_AllDepsMerged(t *testing.T) {
	d := dep("schema", model.StatusCompleted, true)
	st := model.NewStage("api", "api")
	st.Dependencies = []string{"schema"}
	g := graphWith(t, d, st)
	git := &fakeBranches{defaultBranch: "main"}

	got, err := Resolve("api", st.Dependencies, g, git, "")
	require.NoError(t, err)
	assert.Equal(t, KindMain, got.Kind)
	assert.Equal(t, []string{"schema"}, got.MergedFrom)
}

func TestResolve_SingleCompletedUnmergedDep_UsesItsBranch(t *testing.T) {
	d := dep("schema", model.StatusCompleted, false)
	st := model.NewStage("api", "api")
	st.Dependencies = []string{"schema"}
	g := graphWith(t, d, st)
	git := &fakeBranches{defaultBranch: "main", branches: map[string]bool{"loom/schema": true}}

	got, err := Resolve("api", st.Dependencies, g, git, "")
	require.NoError(t, err)
	assert.Equal(t, KindBranch, got.Kind)
	assert.Equal(t, "loom/schema", got.BranchName)
}

func TestResolve_SingleUnmergedDep_BranchGone_FallsBackToMain(t *testing.T) {
	d := dep("schema", model.StatusCompleted, false)
	st := model.NewStage("api", "api")
	st.Dependencies = []string{"schema"}
	g := graphWith(t, d, st)
	git := &fakeBranches{defaultBranch: "main", branches: map[string]bool{}}

	got, err := Resolve("api", st.Dependencies, g, git, "")
	require.NoError(t, err)
	assert.Equal(t, KindMain, got.Kind)
	assert.Equal(t, "main", got.BranchName)
}

func TestResolve_DepNotCompleted(t *testing.T) {
	d := dep("schema", model.StatusExecuting, false)
	st := model.NewStage("api", "api")
	st.Dependencies = []string{"schema"}
	g := graphWith(t, d, st)
	git := &fakeBranches{defaultBranch: "main"}

	_, err := Resolve("api", st.Dependencies, g, git, "")
	assert.ErrorIs(t, err, errs.ErrScheduling)
}

func TestResolve_UnknownDep(t *testing.T) {
	g := graphWith(t, model.NewStage("api", "api"))
	git := &fakeBranches{defaultBranch: "main"}

	_, err := Resolve("api", []string{"ghost"}, g, git, "")
	assert.ErrorIs(t, err, errs.ErrScheduling)
}

func TestResolve_MultipleDepsWithUnmerged(t *testing.T) {
	d1 := dep("schema", model.StatusCompleted, true)
	d2 := dep("auth", model.StatusCompleted, false)
	st := model.NewStage("api", "api")
	st.Dependencies = []string{"schema", "auth"}
	g := graphWith(t, d1, d2, st)
	git := &fakeBranches{defaultBranch: "main", branches: map[string]bool{"loom/auth": true}}

	// More than one dependency: the scheduler must wait for the merge
	// engine to land everything on main, never stack branches.
	_, err := Resolve("api", st.Dependencies, g, git, "")
	assert.ErrorIs(t, err, errs.ErrScheduling)
}
