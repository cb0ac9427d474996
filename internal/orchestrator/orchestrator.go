// Package orchestrator runs the top-level loop: recover persisted state,
// start ready stages, watch sessions, verify and merge completed work,
// and repeat until every stage is terminal. A single goroutine owns all
// in-memory mutation; concurrency comes from the agent subprocesses.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/loomstage/loom/internal/config"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/handoff"
	"github.com/loomstage/loom/internal/logging"
	"github.com/loomstage/loom/internal/merge"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/monitor"
	"github.com/loomstage/loom/internal/plan"
	"github.com/loomstage/loom/internal/recovery"
	"github.com/loomstage/loom/internal/session"
	"github.com/loomstage/loom/internal/signal"
	"github.com/loomstage/loom/internal/store"
	"github.com/loomstage/loom/internal/verify"
	"github.com/loomstage/loom/internal/worktree"
)

// activeSession pairs a persisted session record with the backend handle
// needed to probe or kill its process.
type activeSession struct {
	sess *model.Session
	res  session.SpawnResult
}

// Driver owns the orchestration loop and its collaborators.
type Driver struct {
	cfg         *config.Config
	projectRoot string

	store      *store.Store
	graph      *graph.Graph
	git        git.Runner
	worktrees  *worktree.Manager
	signals    *signal.Generator
	backend    session.Backend
	detector   *monitor.Detector
	heartbeats *monitor.Watcher
	merger     *merge.Engine
	recoverer  *recovery.Reconciler
	verifier   *verify.Runner
	handoffs   *handoff.Service
	log        *logging.Logger

	plan    *plan.Plan
	active  map[string]*activeSession // stage id -> running session
	baseRef string                    // configured base branch, may be empty
}

// Deps bundles the injected collaborators for New.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Graph     *graph.Graph
	Git       git.Runner
	Worktrees *worktree.Manager
	Backend   session.Backend
	Log       *logging.Logger
}

// New wires a Driver from its collaborators, constructing the ones that
// are pure functions of the others.
func New(projectRoot string, d Deps) *Driver {
	log := d.Log
	if log == nil {
		log = logging.New()
	}
	lock := merge.NewLock(d.Store.MergeLockPath(), log)
	drv := &Driver{
		cfg:         d.Config,
		projectRoot: projectRoot,
		store:       d.Store,
		graph:       d.Graph,
		git:         d.Git,
		worktrees:   d.Worktrees,
		signals:     signal.New(),
		backend:     d.Backend,
		detector:    monitor.NewDetector(d.Config.ContextWarningPercent, d.Config.ContextCriticalPercent),
		heartbeats:  monitor.NewWatcher(d.Store.HeartbeatsDir()),
		merger:      merge.NewEngine(d.Git, lock, d.Config.MergeLockTimeout(), log),
		verifier:    verify.NewRunner(d.Config.CommandTimeout()),
		handoffs:    handoff.NewService(d.Store, projectRoot),
		log:         log,
		active:      make(map[string]*activeSession),
		baseRef:     d.Config.Plan.BaseBranch,
	}
	drv.recoverer = recovery.NewReconciler(d.Store, d.Graph, drv.sessionAlive, log)
	return drv
}

// sessionAlive probes a persisted session's process through the backend,
// reconstructing the spawn handle from the session record.
func (d *Driver) sessionAlive(sess *model.Session) *bool {
	res := session.SpawnResult{
		SessionID: sess.ID,
		PID:       sess.PID,
		MuxID:     sess.TerminalSessionName,
	}
	alive, err := d.backend.IsAlive(res)
	if err != nil {
		return nil
	}
	return alive
}

// mergePoint returns the branch completed work merges into.
func (d *Driver) mergePoint() (string, error) {
	if d.baseRef != "" {
		return d.baseRef, nil
	}
	return d.git.DefaultBranch()
}

// Run executes the orchestration loop until every stage is terminal or
// ctx is cancelled. Cancellation detaches: agent sessions keep running.
func (d *Driver) Run(ctx context.Context) error {
	defer d.heartbeats.Close()

	if err := d.loadPlan(); err != nil {
		return err
	}
	if err := d.recoverer.Run(); err != nil {
		return err
	}
	d.adoptRunningSessions()
	if err := d.markPlanInProgress(); err != nil {
		d.log.Warn("mark plan in progress: %v", err)
	}

	interval := d.cfg.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if err := d.recoverer.SyncGraphFromFiles(); err != nil {
			d.log.Error("sync graph: %v", err)
		}
		if err := d.recoverer.ScanRetryEligible(); err != nil {
			d.log.Error("retry scan: %v", err)
		}

		d.continueHandoffStages()
		d.startReadyStages()

		events := d.tick()
		for _, ev := range events {
			d.handleEvent(ev)
		}

		d.printStatusLine()

		if d.allTerminal() {
			break
		}

		select {
		case <-ctx.Done():
			d.log.Info("interrupted; detaching (sessions keep running)")
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return d.finish()
}

// loadPlan reads the bound plan document, tolerating its absence (stage
// files may have been authored directly).
func (d *Driver) loadPlan() error {
	if d.cfg.Plan.SourcePath == "" {
		return nil
	}
	p, err := plan.Load(d.cfg.Plan.SourcePath)
	if err != nil {
		d.log.Warn("load plan %s: %v", d.cfg.Plan.SourcePath, err)
		return nil
	}
	d.plan = p
	return nil
}

// adoptRunningSessions rebuilds the active map from session files whose
// processes survived a driver restart, so no duplicate session is spawned.
func (d *Driver) adoptRunningSessions() {
	sessions, err := d.store.ListSessions()
	if err != nil {
		d.log.Error("adopt sessions: %v", err)
		return
	}
	for _, sess := range sessions {
		if !sess.IsAlive() {
			continue
		}
		alive := d.sessionAlive(sess)
		if alive != nil && !*alive {
			continue // recovery's orphan sweep already handled it
		}
		d.active[sess.StageID] = &activeSession{
			sess: sess,
			res: session.SpawnResult{
				SessionID: sess.ID,
				PID:       sess.PID,
				MuxID:     sess.TerminalSessionName,
			},
		}
		d.log.Info("adopted running session %s for stage %s", sess.ID, sess.StageID)
	}
}

// markPlanInProgress renames the plan file with the in-progress prefix on
// first start and keeps the config binding pointing at the renamed file.
func (d *Driver) markPlanInProgress() error {
	if d.plan == nil || plan.IsInProgress(d.plan.Path) {
		return nil
	}
	newPath, err := plan.MarkInProgress(d.plan.Path)
	if err != nil {
		return err
	}
	d.plan.Path = newPath
	d.cfg.Plan.SourcePath = newPath
	return config.Save(d.projectRoot, d.cfg)
}

// tick reloads state from disk and runs the four detection passes.
func (d *Driver) tick() []monitor.Event {
	stages, err := d.store.ListStages()
	if err != nil {
		d.log.Error("tick: list stages: %v", err)
		return nil
	}
	sessions, err := d.store.ListSessions()
	if err != nil {
		d.log.Error("tick: list sessions: %v", err)
		return nil
	}

	stagesByID := make(map[string]*model.Stage, len(stages))
	for _, st := range stages {
		stagesByID[st.ID] = st
	}
	sessionsByStage := make(map[string]*model.Session, len(sessions))
	for _, sess := range sessions {
		sessionsByStage[sess.StageID] = sess
	}

	var events []monitor.Event
	events = append(events, d.detector.DetectStageChanges(stages, sessionsByStage)...)
	events = append(events, d.detector.DetectSessionChanges(sessions, stagesByID, d.sessionAlive)...)
	events = append(events, d.detector.DetectContextChanges(sessions)...)
	events = append(events, d.detector.DetectHeartbeatEvents(d.heartbeats, sessions, d.sessionAlive)...)
	return events
}

// printStatusLine emits the one-line run summary.
func (d *Driver) printStatusLine() {
	var running, queued, completed, blocked int
	for _, st := range d.graph.Stages() {
		switch st.Status {
		case model.StatusExecuting:
			running++
		case model.StatusQueued:
			queued++
		case model.StatusCompleted, model.StatusSkipped:
			completed++
		case model.StatusBlocked, model.StatusMergeConflict, model.StatusMergeBlocked:
			blocked++
		}
	}
	fmt.Printf("loom: %d running / %d queued / %d completed / %d blocked\n", running, queued, completed, blocked)
}

// allTerminal reports whether no further scheduling can happen: every
// stage is Completed, Skipped, Blocked with no retry budget, or stuck in
// a merge state awaiting a human with no resolution session running.
func (d *Driver) allTerminal() bool {
	stages, err := d.store.ListStages()
	if err != nil {
		return false
	}
	for _, st := range stages {
		switch st.Status {
		case model.StatusCompleted:
			if st.AutoMergeEnabled() && !st.Merged {
				return false // merge still pending
			}
		case model.StatusSkipped:
		case model.StatusBlocked:
			if st.CanRetry() && st.FailureInfo != nil {
				switch st.FailureInfo.FailureType {
				case model.FailureSessionCrash, model.FailureTimeout, model.FailureInfrastructure:
					return false
				}
			}
		case model.StatusMergeConflict, model.StatusMergeBlocked:
			if _, live := d.active[st.ID]; live || !st.IsAtFixLimit() {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// finish marks the plan done iff every stage reports merged.
func (d *Driver) finish() error {
	stages, err := d.store.ListStages()
	if err != nil {
		return err
	}
	for _, st := range stages {
		if !st.Merged {
			d.log.Info("run finished; stage %s is not merged, leaving plan open", st.ID)
			return nil
		}
	}
	if d.plan == nil {
		return nil
	}
	newPath, err := plan.MarkDone(d.plan.Path)
	if err != nil {
		return err
	}
	d.plan.Path = newPath
	d.cfg.Plan.SourcePath = newPath
	if err := config.Save(d.projectRoot, d.cfg); err != nil {
		return err
	}
	d.log.Info("plan complete: %s", newPath)
	return nil
}
