package orchestrator

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loomstage/loom/internal/baseresolve"
	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/sandbox"
	"github.com/loomstage/loom/internal/session"
	"github.com/loomstage/loom/internal/signal"
	"github.com/loomstage/loom/internal/worktree"
)

// schedulable collects every stage the scheduler should consider this
// tick: already-Queued stages plus WaitingForDeps stages whose
// dependencies became satisfied, sorted by (level asc, id asc).
func (d *Driver) schedulable() []string {
	seen := make(map[string]bool)
	var out []string
	for _, st := range d.graph.Stages() {
		if st.Held || seen[st.ID] {
			continue
		}
		if st.Status == model.StatusQueued {
			seen[st.ID] = true
			out = append(out, st.ID)
		}
	}
	for _, id := range d.graph.ReadyStages() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := d.graph.Level(out[i]), d.graph.Level(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// startReadyStages dispatches sessions for ready stages up to the
// configured parallelism. A failure on one stage is recorded and the
// scheduler proceeds to the next candidate.
func (d *Driver) startReadyStages() {
	budget := d.cfg.MaxParallelSessions - len(d.active)
	if budget <= 0 {
		return
	}
	for _, id := range d.schedulable() {
		if budget <= 0 {
			return
		}
		if _, running := d.active[id]; running {
			continue
		}
		started, err := d.startStage(id)
		if err != nil {
			if errors.Is(err, errs.ErrScheduling) {
				continue // dependencies converging; retry next tick
			}
			d.log.Error("start stage %s: %v", id, err)
			continue
		}
		if started {
			budget--
		}
	}
}

// startStage takes one stage from Queued (or ready WaitingForDeps) to
// Executing with a spawned session. Returns false when the stage was
// skipped without consuming parallelism budget.
func (d *Driver) startStage(id string) (bool, error) {
	st, err := d.store.LoadStage(id)
	if err != nil {
		return false, err
	}
	if st.Held || st.Status == model.StatusExecuting || st.Status == model.StatusCompleted {
		return false, nil
	}

	// The scheduler can arrive ahead of the file when readiness was just
	// propagated in memory; persist Queued first to narrow the race with
	// external transitions.
	if st.Status == model.StatusWaitingForDeps {
		if err := st.TryMarkQueued(); err != nil {
			return false, err
		}
		if err := d.saveStage(st); err != nil {
			return false, err
		}
	}
	if st.Status != model.StatusQueued {
		return false, nil
	}

	if st.IsKnowledgeStage() {
		return d.startKnowledgeStage(st)
	}

	resolved, err := baseresolve.Resolve(st.ID, st.Dependencies, d.graph, d.git, d.baseRef)
	if err != nil {
		if errors.Is(err, errs.ErrScheduling) {
			return false, err
		}
		d.blockWithFailure(st, model.FailureOther, err.Error())
		return false, err
	}

	sandboxCfg := d.stageSandbox(st)
	wt, err := d.worktrees.GetOrCreate(st.ID, resolved.BranchName, sandboxCfg)
	if err != nil {
		d.blockWithFailure(st, model.FailureInfrastructure, err.Error())
		return false, err
	}

	st.ResolvedBase = resolved.BranchName
	st.BaseBranch = resolved.BranchName
	st.BaseMergedFrom = resolved.MergedFrom
	st.Worktree = wt.Path

	// Infrastructure is in place; only now does the stage go Executing.
	if err := st.TryMarkExecuting(); err != nil {
		return false, err
	}
	if err := d.saveStage(st); err != nil {
		return false, err
	}

	if err := d.spawnStageSession(st, wt, resolved.BranchName); err != nil {
		d.blockWithFailure(st, model.FailureInfrastructure, err.Error())
		return true, err
	}
	return true, nil
}

// startKnowledgeStage dispatches a knowledge stage in the project root,
// with no worktree or base resolution.
func (d *Driver) startKnowledgeStage(st *model.Stage) (bool, error) {
	if err := st.TryMarkExecuting(); err != nil {
		return false, err
	}
	if err := d.saveStage(st); err != nil {
		return false, err
	}
	wt := &worktree.Worktree{StageID: st.ID, Path: d.projectRoot}
	if err := d.spawnStageSession(st, wt, ""); err != nil {
		d.blockWithFailure(st, model.FailureInfrastructure, err.Error())
		return true, err
	}
	return true, nil
}

// stageSandbox resolves the sandbox config for the settings file written
// into the worktree. No stage-level overrides are read: Merge gets an
// empty StageConfig, so the plan-level block applies, plus the additions
// Merge makes for the stage's type.
func (d *Driver) stageSandbox(st *model.Stage) sandbox.MergedConfig {
	merged := sandbox.Merge(d.cfg.Sandbox.ToPlanConfig(), sandbox.StageConfig{}, string(st.StageType))
	sandbox.ExpandConfigPaths(&merged)
	for path, kind := range sandbox.ValidatePaths(merged) {
		d.log.Warn("stage %s sandbox allow_write path %q escapes the worktree (kind %d)", st.ID, path, kind)
	}
	return merged
}

// spawnStageSession generates the signal, spawns (or prints manual
// instructions for) the agent, and persists the session record.
func (d *Driver) spawnStageSession(st *model.Stage, wt *worktree.Worktree, sourceBranch string) error {
	sessionID := uuid.New().String()

	handoffContent := ""
	if cont, err := d.handoffs.PrepareContinuation(st.ID); err == nil && cont.HandoffContent != "" {
		handoffContent = cont.HandoffContent
	}

	doc := d.signals.Generate(d.signalInput(sessionID, st, wt, sourceBranch, handoffContent))
	if err := d.store.SaveSignal(sessionID, []byte(doc)); err != nil {
		return err
	}
	signalPath := d.store.SignalPath(sessionID)

	kind := session.KindStage
	if st.IsKnowledgeStage() {
		kind = session.KindKnowledge
	}

	sess := &model.Session{
		ID:           sessionID,
		StageID:      st.ID,
		SessionType:  model.SessionNormal,
		Status:       model.SessionSpawning,
		CreatedAt:    time.Now().UTC(),
		LastActive:   time.Now().UTC(),
		WorktreePath: wt.Path,
		Command:      d.cfg.AgentCommand,
	}

	if d.cfg.ManualMode {
		d.log.Info("manual mode: start an agent in %s and point it at %s", wt.Path, signalPath)
		sess.Status = model.SessionRunning
	} else {
		res, err := d.backend.Spawn(session.SpawnRequest{
			Kind:       kind,
			StageID:    st.ID,
			WorkingDir: wt.Path,
			SignalPath: signalPath,
			Command:    d.cfg.AgentCommand,
		})
		if err != nil {
			return err
		}
		res.SessionID = sessionID
		sess.PID = res.PID
		sess.TerminalSessionName = res.MuxID
		sess.Status = model.SessionRunning
		d.active[st.ID] = &activeSession{sess: sess, res: res}
	}

	if err := d.store.SaveSession(sess); err != nil {
		return err
	}

	st.Session = sessionID
	return d.saveStage(st)
}

// signalInput assembles the Generate input for a stage session.
func (d *Driver) signalInput(sessionID string, st *model.Stage, wt *worktree.Worktree, sourceBranch, handoffContent string) signal.Input {
	var deps []signal.DependencyInfo
	for _, depID := range st.Dependencies {
		node := d.graph.Stage(depID)
		if node == nil {
			continue
		}
		outputs := make(map[string]string, len(node.Outputs))
		for _, o := range node.Outputs {
			outputs[o.Key] = o.Value
		}
		deps = append(deps, signal.DependencyInfo{
			Name:    node.Name,
			Status:  string(node.Status),
			Outputs: outputs,
		})
	}

	planID, overview := "", ""
	if d.plan != nil {
		planID = d.plan.ID
		overview = d.plan.Overview
	}

	target, err := d.mergePoint()
	if err != nil {
		target = sourceBranch
	}

	return signal.Input{
		SessionID:    sessionID,
		Stage:        st,
		SourceBranch: sourceBranch,
		TargetBranch: target,
		WorktreePath: wt.Path,
		ProjectRoot:  d.projectRoot,
		PlanID:       planID,
		PlanOverview: overview,
		Dependencies: deps,
		Handoff:      handoffContent,
	}
}

// continueHandoffStages re-queues stages parked in NeedsHandoff once
// their previous session is gone, so the scheduler dispatches a fresh
// session whose signal embeds the latest handoff.
func (d *Driver) continueHandoffStages() {
	stages, err := d.store.ListStages()
	if err != nil {
		return
	}
	for _, st := range stages {
		if st.Status != model.StatusNeedsHandoff {
			continue
		}
		if act, ok := d.active[st.ID]; ok {
			alive := d.sessionAlive(act.sess)
			if alive == nil || *alive {
				continue // let the session wind down first
			}
			d.releaseSession(st.ID, act)
		}
		if err := st.TryMarkQueued(); err != nil {
			d.log.Warn("continuation: stage %s: %v", st.ID, err)
			continue
		}
		st.Session = ""
		if err := d.saveStage(st); err != nil {
			d.log.Error("continuation: persist stage %s: %v", st.ID, err)
			continue
		}
		d.graph.SyncStage(st)
		d.log.Info("continuation: re-queued stage %s with handoff", st.ID)
	}
}

// releaseSession drops a stage's active-session entry and marks the
// session record ended.
func (d *Driver) releaseSession(stageID string, act *activeSession) {
	delete(d.active, stageID)
	if act == nil {
		return
	}
	now := time.Now().UTC()
	act.sess.EndedAt = &now
	if act.sess.Status == model.SessionRunning || act.sess.Status == model.SessionSpawning {
		act.sess.Status = model.SessionCompleted
	}
	if err := d.store.SaveSession(act.sess); err != nil {
		d.log.Warn("release session %s: %v", act.sess.ID, err)
	}
}

// blockWithFailure records failure evidence and moves the stage to
// Blocked, persisting best-effort.
func (d *Driver) blockWithFailure(st *model.Stage, ft model.FailureType, evidence string) {
	st.RecordFailure(ft, evidence)
	if err := st.TryMarkBlocked(); err != nil {
		d.log.Warn("block stage %s: %v", st.ID, err)
		return
	}
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist blocked stage %s: %v", st.ID, err)
	}
	d.graph.SyncStage(st)
}

// saveStage persists st at its topological level and mirrors the change
// into the graph.
func (d *Driver) saveStage(st *model.Stage) error {
	if err := d.store.SaveStage(st, d.graph.Level(st.ID)); err != nil {
		return err
	}
	d.graph.SyncStage(st)
	return nil
}
