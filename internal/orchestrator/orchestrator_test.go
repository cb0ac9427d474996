package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstage/loom/internal/config"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/logging"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/session"
	"github.com/loomstage/loom/internal/store"
	"github.com/loomstage/loom/internal/worktree"
)

// scriptedGit is an in-memory git.Runner: branches are a set, worktree
// adds create real directories so signals and sandbox settings can be
// written, and merge output is scripted per branch.
type scriptedGit struct {
	branches    map[string]bool
	mergeOutput map[string]string // branch -> output; missing = "Already up to date."
	mergeErrs   map[string]error
	conflicts   []string

	mergedBranches []string
	checkouts      []string
	worktrees      []string
}

func newScriptedGit() *scriptedGit {
	return &scriptedGit{
		branches:    map[string]bool{"main": true},
		mergeOutput: map[string]string{},
		mergeErrs:   map[string]error{},
	}
}

func (f *scriptedGit) CurrentBranch() (string, error) { return "main", nil }
func (f *scriptedGit) CreateBranch(name string) error { f.branches[name] = true; return nil }
func (f *scriptedGit) CreateAndCheckoutBranch(name string) error {
	f.branches[name] = true
	return nil
}
func (f *scriptedGit) CheckoutBranch(name string) error {
	f.checkouts = append(f.checkouts, name)
	return nil
}
func (f *scriptedGit) BranchExists(name string) (bool, error) { return f.branches[name], nil }
func (f *scriptedGit) DeleteBranch(name string) error         { delete(f.branches, name); return nil }
func (f *scriptedGit) DefaultBranch() (string, error) { return "main", nil }

func (f *scriptedGit) Status() (string, error) { return "", nil }
func (f *scriptedGit) HasChanges() (bool, error) { return false, nil }
func (f *scriptedGit) Diff(string) (string, error) { return "", nil }
func (f *scriptedGit) DiffBetween(_, _ string) (string, error) { return "", nil }
func (f *scriptedGit) ChangedFiles(string) ([]string, error) { return nil, nil }
func (f *scriptedGit) ChangedFilesBetween(_, _ string) ([]string, error) { return nil, nil }
func (f *scriptedGit) ChangedFilesRelative(_, _ string) ([]string, error) { return nil, nil }
func (f *scriptedGit) ConflictedFiles() ([]string, error) { return f.conflicts, nil }

func (f *scriptedGit) Add(...string) error        { return nil }
func (f *scriptedGit) Commit(string) error        { return nil }
func (f *scriptedGit) Reset(string) error         { return nil }
func (f *scriptedGit) CheckoutPath(string) error  { return nil }

func (f *scriptedGit) Merge(string) error                  { return nil }
func (f *scriptedGit) MergeNoFF(string) error              { return nil }
func (f *scriptedGit) MergeNoFFMessage(_, _ string) error  { return nil }
func (f *scriptedGit) MergeAbort() error                   { return nil }
func (f *scriptedGit) MergeBase(_, _ string) (string, error) { return "", nil }
func (f *scriptedGit) HasConflicts() (bool, error) { return len(f.conflicts) > 0, nil }
func (f *scriptedGit) Rebase(string) error                 { return nil }
func (f *scriptedGit) RebaseAbort() error                  { return nil }

func (f *scriptedGit) WorktreeAdd(path, _ string) error {
	f.worktrees = append(f.worktrees, path)
	return os.MkdirAll(path, 0o755)
}
func (f *scriptedGit) WorktreeAddNewBranch(path, branch string) error {
	f.branches[branch] = true
	f.worktrees = append(f.worktrees, path)
	return os.MkdirAll(path, 0o755)
}
func (f *scriptedGit) WorktreeRemove(path string) error { return f.dropWorktree(path) }
func (f *scriptedGit) WorktreeRemoveOptionalForce(path string, _ bool) error {
	return f.dropWorktree(path)
}
func (f *scriptedGit) dropWorktree(path string) error {
	for i, w := range f.worktrees {
		if w == path {
			f.worktrees = append(f.worktrees[:i], f.worktrees[i+1:]...)
			break
		}
	}
	return os.RemoveAll(path)
}
func (f *scriptedGit) WorktreeUnlock(string) error     { return nil }
func (f *scriptedGit) WorktreeList() ([]string, error) { return f.worktrees, nil }
func (f *scriptedGit) WorktreeListPorcelain() (string, error) { return "", nil }
func (f *scriptedGit) WorktreePrune() error                     { return nil }
func (f *scriptedGit) WorktreePruneExpireNow() error            { return nil }

func (f *scriptedGit) PullFFOnly() error         { return nil }
func (f *scriptedGit) StashPush(string) error    { return nil }
func (f *scriptedGit) StashPop() error           { return nil }
func (f *scriptedGit) ShowFile(_, _ string) (string, error) { return "", nil }
func (f *scriptedGit) CheckoutOurs(string) error  { return nil }
func (f *scriptedGit) CheckoutTheirs(string) error { return nil }

func (f *scriptedGit) Run(args ...string) (string, error) {
	if len(args) > 0 && args[0] == "merge" {
		branch := args[len(args)-1]
		f.mergedBranches = append(f.mergedBranches, branch)
		if err, ok := f.mergeErrs[branch]; ok {
			return "", err
		}
		if out, ok := f.mergeOutput[branch]; ok {
			return out, nil
		}
		return "Already up to date.", nil
	}
	return "", nil
}

var _ git.Runner = (*scriptedGit)(nil)

// fakeBackend records spawns and scripts liveness per multiplexer name.
type fakeBackend struct {
	spawns []session.SpawnRequest
	alive  map[string]bool // mux name -> alive
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{alive: make(map[string]bool)}
}

func (b *fakeBackend) Spawn(req session.SpawnRequest) (session.SpawnResult, error) {
	b.spawns = append(b.spawns, req)
	name := "loom-" + req.StageID
	if req.Kind == session.KindMerge {
		name = "loom-merge-" + req.StageID
	}
	b.alive[name] = true
	return session.SpawnResult{MuxID: name}, nil
}

func (b *fakeBackend) IsAlive(res session.SpawnResult) (*bool, error) {
	if res.MuxID == "" {
		return nil, nil
	}
	v := b.alive[res.MuxID]
	return &v, nil
}

func (b *fakeBackend) Kill(res session.SpawnResult) error {
	b.alive[res.MuxID] = false
	return nil
}

func (b *fakeBackend) Attach(session.SpawnResult) error { return nil }

type harness struct {
	t       *testing.T
	root    string
	store   *store.Store
	graph   *graph.Graph
	git     *scriptedGit
	backend *fakeBackend
	driver  *Driver
}

func newHarness(t *testing.T, stages ...*model.Stage) *harness {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, ".work"))
	require.NoError(t, err)

	g := graph.New()
	require.NoError(t, g.Build(stages))
	for _, stage := range stages {
		require.NoError(t, st.SaveStage(stage, g.Level(stage.ID)))
	}

	gitRunner := newScriptedGit()
	wm, err := worktree.NewManager(root, gitRunner)
	require.NoError(t, err)

	cfg, err := config.Load(root)
	require.NoError(t, err)

	backend := newFakeBackend()
	drv := New(root, Deps{
		Config:    cfg,
		Store:     st,
		Graph:     g,
		Git:       gitRunner,
		Worktrees: wm,
		Backend:   backend,
		Log:       logging.New(),
	})

	return &harness{t: t, root: root, store: st, graph: g, git: gitRunner, backend: backend, driver: drv}
}

func stageDef(id string, deps ...string) *model.Stage {
	st := model.NewStage(id, id)
	st.Dependencies = deps
	st.Acceptance = []string{"true"}
	return st
}

// completeAgentWork simulates the agent finishing: the stage file flips
// to Completed and the session's process exits.
func (h *harness) completeAgentWork(stageID string) {
	h.t.Helper()
	st, err := h.store.LoadStage(stageID)
	require.NoError(h.t, err)
	require.NoError(h.t, st.TryComplete("agent done"))
	require.NoError(h.t, h.store.SaveStage(st, h.graph.Level(stageID)))
	h.backend.alive["loom-"+stageID] = false
}

func (h *harness) runTick() {
	h.t.Helper()
	require.NoError(h.t, h.driver.recoverer.SyncGraphFromFiles())
	h.driver.continueHandoffStages()
	h.driver.startReadyStages()
	for _, ev := range h.driver.tick() {
		h.driver.handleEvent(ev)
	}
}

func (h *harness) stage(id string) *model.Stage {
	h.t.Helper()
	st, err := h.store.LoadStage(id)
	require.NoError(h.t, err)
	return st
}

func TestLinearChain_CompletesAndMerges(t *testing.T) {
	h := newHarness(t, stageDef("a"), stageDef("b", "a"), stageDef("c", "b"))

	// Tick 1: only a is ready; a session is spawned in its worktree.
	h.runTick()
	require.Len(t, h.backend.spawns, 1)
	assert.Equal(t, "a", h.backend.spawns[0].StageID)
	assert.Equal(t, model.StatusExecuting, h.stage("a").Status)
	assert.Equal(t, model.StatusWaitingForDeps, h.stage("b").Status)

	wtPath := filepath.Join(h.root, ".worktrees", "a")
	_, err := os.Lstat(filepath.Join(wtPath, ".work"))
	assert.NoError(t, err, "worktree carries the shared-state symlink")
	_, err = os.Stat(filepath.Join(wtPath, ".loom-sandbox.json"))
	assert.NoError(t, err, "worktree carries the sandbox settings file")

	// Agent finishes a; next tick verifies, merges, and queues b.
	h.completeAgentWork("a")
	h.runTick()

	a := h.stage("a")
	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.True(t, a.Merged)
	assert.Contains(t, h.git.mergedBranches, "loom/a")

	// b was queued by dependent triggering and started within the same
	// tick or the next one.
	h.runTick()
	assert.Equal(t, model.StatusExecuting, h.stage("b").Status)

	h.completeAgentWork("b")
	h.runTick()
	assert.True(t, h.stage("b").Merged)

	h.runTick()
	h.completeAgentWork("c")
	h.runTick()
	assert.True(t, h.stage("c").Merged)

	assert.True(t, h.driver.allTerminal())

	sessions, err := h.store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions, "merged stages clean up their session files")
}

func TestDiamond_JoinWaitsForBothBranches(t *testing.T) {
	h := newHarness(t, stageDef("a"), stageDef("b", "a"), stageDef("c", "a"), stageDef("d", "b", "c"))

	h.runTick()
	h.completeAgentWork("a")
	h.runTick()

	// Both branches run in parallel.
	h.runTick()
	assert.Equal(t, model.StatusExecuting, h.stage("b").Status)
	assert.Equal(t, model.StatusExecuting, h.stage("c").Status)

	// Only b finishes: d must not start.
	h.completeAgentWork("b")
	h.runTick()
	h.runTick()
	assert.True(t, h.stage("b").Merged)
	d := h.stage("d")
	assert.Equal(t, model.StatusWaitingForDeps, d.Status)

	h.completeAgentWork("c")
	h.runTick()
	h.runTick()
	assert.Equal(t, model.StatusExecuting, h.stage("d").Status)
}

func TestAcceptanceFailure_MovesToCompletedWithFailures(t *testing.T) {
	a := stageDef("a")
	a.Acceptance = []string{"false"}
	h := newHarness(t, a)

	h.runTick()
	h.completeAgentWork("a")
	h.runTick()

	got := h.stage("a")
	assert.Equal(t, model.StatusCompletedWithFails, got.Status)
	assert.False(t, got.Merged)
	assert.Empty(t, h.git.mergedBranches)
}

func TestMergeConflict_SpawnsResolutionSessionInProjectRoot(t *testing.T) {
	h := newHarness(t, stageDef("a"))
	h.runTick()

	h.git.mergeErrs["loom/a"] = assert.AnError
	h.git.conflicts = []string{"x.go"}

	h.completeAgentWork("a")
	h.runTick()

	got := h.stage("a")
	assert.Equal(t, model.StatusMergeConflict, got.Status)
	assert.True(t, got.MergeConflict)

	require.Len(t, h.backend.spawns, 2)
	mergeSpawn := h.backend.spawns[1]
	assert.Equal(t, session.KindMerge, mergeSpawn.Kind)
	assert.Equal(t, h.root, mergeSpawn.WorkingDir, "resolution runs in the project root, not the worktree")

	// The resolution session commits the merge and exits.
	h.git.mergeErrs = map[string]error{}
	h.git.conflicts = nil
	h.backend.alive["loom-merge-a"] = false
	h.runTick()

	got = h.stage("a")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.True(t, got.Merged)
	assert.False(t, got.MergeConflict)
	require.NotNil(t, got.CompletedAt)
}

func TestSessionCrash_BlocksWithFailureInfo(t *testing.T) {
	h := newHarness(t, stageDef("a"))
	h.runTick()

	// The process vanishes while the stage is still executing.
	h.backend.alive["loom-a"] = false
	h.runTick()

	got := h.stage("a")
	assert.Equal(t, model.StatusBlocked, got.Status)
	require.NotNil(t, got.FailureInfo)
	assert.Equal(t, model.FailureSessionCrash, got.FailureInfo.FailureType)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRestart_AdoptsAliveSessionWithoutDuplicateSpawn(t *testing.T) {
	h := newHarness(t, stageDef("a"))
	h.runTick()
	require.Len(t, h.backend.spawns, 1)

	// A fresh driver over the same state, as after a restart.
	cfg, err := config.Load(h.root)
	require.NoError(t, err)
	wm, err := worktree.NewManager(h.root, h.git)
	require.NoError(t, err)
	g2 := graph.New()
	stages, err := h.store.ListStages()
	require.NoError(t, err)
	require.NoError(t, g2.Build(stages))

	drv2 := New(h.root, Deps{
		Config:    cfg,
		Store:     h.store,
		Graph:     g2,
		Git:       h.git,
		Worktrees: wm,
		Backend:   h.backend,
		Log:       logging.New(),
	})
	require.NoError(t, drv2.recoverer.Run())
	drv2.adoptRunningSessions()

	assert.Len(t, drv2.active, 1, "the alive session is adopted")
	drv2.startReadyStages()
	assert.Len(t, h.backend.spawns, 1, "no duplicate session is spawned")
	assert.Equal(t, model.StatusExecuting, h.stage("a").Status)
}

func TestRestart_DeadSessionIsSweptAndRequeued(t *testing.T) {
	h := newHarness(t, stageDef("a"))
	h.runTick()
	h.backend.alive["loom-a"] = false

	g2 := graph.New()
	stages, err := h.store.ListStages()
	require.NoError(t, err)
	require.NoError(t, g2.Build(stages))
	cfg, err := config.Load(h.root)
	require.NoError(t, err)
	wm, err := worktree.NewManager(h.root, h.git)
	require.NoError(t, err)

	drv2 := New(h.root, Deps{
		Config:    cfg,
		Store:     h.store,
		Graph:     g2,
		Git:       h.git,
		Worktrees: wm,
		Backend:   h.backend,
		Log:       logging.New(),
	})
	require.NoError(t, drv2.recoverer.Run())
	drv2.adoptRunningSessions()

	assert.Empty(t, drv2.active)
	got := h.stage("a")
	assert.Equal(t, model.StatusQueued, got.Status)
	sessions, err := h.store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions, "stale session files are removed")
}

func TestHeldStageIsNeverStarted(t *testing.T) {
	a := stageDef("a")
	a.Held = true
	h := newHarness(t, a)

	h.runTick()
	assert.Empty(t, h.backend.spawns)
	assert.Equal(t, model.StatusWaitingForDeps, h.stage("a").Status)
}

func TestMaxParallelSessionsIsRespected(t *testing.T) {
	h := newHarness(t, stageDef("a"), stageDef("b"), stageDef("c"), stageDef("d"))
	h.driver.cfg.MaxParallelSessions = 2

	h.runTick()
	assert.Len(t, h.backend.spawns, 2)

	h.runTick()
	assert.Len(t, h.backend.spawns, 2, "budget exhausted until a session finishes")
}

func TestAutoMergeDisabled_SkipsProgressiveMerge(t *testing.T) {
	a := stageDef("a")
	off := false
	a.AutoMerge = &off
	h := newHarness(t, a, stageDef("b", "a"))

	h.runTick()
	h.completeAgentWork("a")
	h.runTick()

	got := h.stage("a")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.False(t, got.Merged)
	assert.Empty(t, h.git.mergedBranches)

	// Dependents stay waiting until an operator marks the stage merged.
	h.runTick()
	assert.Equal(t, model.StatusWaitingForDeps, h.stage("b").Status)

	got.Merged = true
	require.NoError(t, h.store.SaveStage(got, 0))
	h.runTick()
	h.runTick()
	assert.Equal(t, model.StatusExecuting, h.stage("b").Status)
}
