package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomstage/loom/internal/handoff"
	"github.com/loomstage/loom/internal/merge"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/monitor"
	"github.com/loomstage/loom/internal/session"
	"github.com/loomstage/loom/internal/signal"
	"github.com/loomstage/loom/internal/verify"
)

// handleEvent routes one monitor event. Recoverable failures on one stage
// are logged; the tick continues.
func (d *Driver) handleEvent(ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventStageCompleted:
		d.onStageCompleted(ev.StageID)
	case monitor.EventSessionCrashed:
		d.onSessionCrashed(ev.StageID, ev.SessionID)
	case monitor.EventSessionContextCritical:
		d.onContextCritical(ev.StageID, ev.SessionID, ev.UsagePercent)
	case monitor.EventSessionContextWarning:
		d.log.Warn("session %s for stage %s at %.0f%% context", ev.SessionID, ev.StageID, ev.UsagePercent)
	case monitor.EventMergeSessionCompleted:
		d.onMergeSessionCompleted(ev.StageID, ev.SessionID)
	case monitor.EventSessionHung:
		d.log.Warn("session %s for stage %s appears hung (no heartbeat for %.0fs, process alive)", ev.SessionID, ev.StageID, ev.StaleDuration)
	case monitor.EventHeartbeatReceived:
		d.onHeartbeat(ev)
	case monitor.EventStageBlocked:
		d.log.Info("stage %s blocked (%s)", ev.StageID, ev.Reason)
	case monitor.EventSessionNeedsHandoff:
		d.onSessionNeedsHandoff(ev.StageID, ev.SessionID)
	case monitor.EventStageWaitingForInput:
		d.log.Info("stage %s is waiting for input; attach to its session to respond", ev.StageID)
	case monitor.EventStageResumedExecution:
		d.log.Info("stage %s resumed execution", ev.StageID)
	}
}

// onStageCompleted runs acceptance for a stage whose file flipped to
// Completed, then merges its branch on success.
func (d *Driver) onStageCompleted(stageID string) {
	st, err := d.store.LoadStage(stageID)
	if err != nil {
		d.log.Error("completed stage %s: %v", stageID, err)
		return
	}
	if st.Status != model.StatusCompleted {
		return // changed again since detection
	}

	workDir := st.Worktree
	if workDir == "" {
		workDir = d.projectRoot
	}
	vars := verify.Vars{Worktree: st.Worktree, ProjectRoot: d.projectRoot, StageID: st.ID}
	result := d.verifier.Run(context.Background(), st, workDir, vars)
	if !result.AllPassed {
		var evidence []string
		for _, f := range result.Failures() {
			evidence = append(evidence, f.Criterion+": exit "+strconv.Itoa(f.ExitCode)+" "+truncate(f.Stderr, 200))
		}
		d.log.Warn("stage %s failed %d acceptance criteria", st.ID, len(result.Failures()))
		if err := st.TryCompleteWithFailures(); err != nil {
			d.log.Warn("stage %s: %v", st.ID, err)
			return
		}
		st.FailureInfo = &model.FailureInfo{
			FailureType: model.FailureOther,
			DetectedAt:  time.Now().UTC(),
			Evidence:    evidence,
		}
		if err := d.saveStage(st); err != nil {
			d.log.Error("persist stage %s: %v", st.ID, err)
		}
		return
	}

	d.log.Info("stage %s passed acceptance", st.ID)
	if !st.AutoMergeEnabled() {
		d.log.Info("stage %s has auto-merge disabled; waiting for manual merge", st.ID)
		if err := d.saveStage(st); err != nil {
			d.log.Error("persist stage %s: %v", st.ID, err)
		}
		return
	}
	d.mergeStage(st)
}

// mergeStage runs the progressive merge for a completed stage and
// dispatches the outcome.
func (d *Driver) mergeStage(st *model.Stage) {
	point, err := d.mergePoint()
	if err != nil {
		d.log.Error("merge stage %s: resolve merge point: %v", st.ID, err)
		return
	}
	outcome, err := d.merger.MergeCompletedStage(st.ID, point)
	if err != nil {
		d.log.Error("merge stage %s: %v", st.ID, err)
		return
	}

	switch {
	case outcome.Kind == merge.OutcomeNoBranch:
		d.log.Warn("stage %s has no branch; treating as merged", st.ID)
		d.finalizeMerged(st)
	case outcome.Merged():
		d.log.Info("merged stage %s into %s (%s, %d files)", st.ID, point, outcome.Kind, outcome.FilesChanged)
		d.finalizeMerged(st)
	case outcome.Kind == merge.OutcomeConflict:
		d.onMergeConflict(st, point, outcome.ConflictingFiles)
	}
}

// finalizeMerged records the merged flag, propagates readiness, triggers
// dependents, and cleans up the stage's session, signal, and worktree.
func (d *Driver) finalizeMerged(st *model.Stage) {
	if st.Status == model.StatusMergeConflict {
		if err := st.TryCompleteMerge(); err != nil {
			d.log.Warn("stage %s: %v", st.ID, err)
			return
		}
	} else {
		st.Merged = true
		st.MergeConflict = false
	}
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist merged stage %s: %v", st.ID, err)
		return
	}

	d.cleanupStage(st)
	d.triggerDependents(st.ID)
}

// triggerDependents re-checks every direct dependent of parentID against
// the readiness predicate and queues the satisfied ones immediately,
// rather than waiting for the next tick's full scan.
func (d *Driver) triggerDependents(parentID string) []string {
	var queued []string
	for _, depID := range d.graph.TriggerDependents(parentID) {
		st, err := d.store.LoadStage(depID)
		if err != nil {
			d.log.Error("trigger dependents: load %s: %v", depID, err)
			continue
		}
		if st.Status != model.StatusWaitingForDeps {
			continue
		}
		if !d.depsSatisfied(st) {
			continue
		}
		if err := st.TryMarkQueued(); err != nil {
			d.log.Warn("trigger dependents: %s: %v", depID, err)
			continue
		}
		if err := d.saveStage(st); err != nil {
			d.log.Error("trigger dependents: persist %s: %v", depID, err)
			continue
		}
		queued = append(queued, depID)
		d.log.Info("stage %s is now ready", depID)
	}
	return queued
}

// depsSatisfied re-checks the readiness predicate against the stage
// files, not just the graph, since dependents may have been mutated
// externally.
func (d *Driver) depsSatisfied(st *model.Stage) bool {
	for _, depID := range st.Dependencies {
		dep, err := d.store.LoadStage(depID)
		if err != nil {
			return false
		}
		if dep.Status != model.StatusCompleted || !dep.Merged {
			return false
		}
	}
	return true
}

// cleanupStage removes the merged stage's session file, signal file, and
// worktree, and deletes its branch. The worktree is only removed once the
// session is no longer alive.
func (d *Driver) cleanupStage(st *model.Stage) {
	if act, ok := d.active[st.ID]; ok {
		alive := d.sessionAlive(act.sess)
		if alive != nil && *alive {
			d.log.Info("stage %s merged with session still alive; deferring cleanup", st.ID)
			return
		}
		d.releaseSession(st.ID, act)
	}

	if st.Session != "" {
		if err := d.store.DeleteSession(st.Session); err != nil {
			d.log.Warn("cleanup stage %s: %v", st.ID, err)
		}
		if err := d.store.DeleteSignal(st.Session); err != nil {
			d.log.Warn("cleanup stage %s: %v", st.ID, err)
		}
		d.detector.ForgetSession(st.Session)
	}

	if !st.IsKnowledgeStage() {
		if err := d.worktrees.Remove(st.ID, true); err != nil {
			d.log.Warn("cleanup stage %s worktree: %v", st.ID, err)
		}
		if err := d.merger.DeleteBranch(st.ID); err != nil {
			d.log.Warn("cleanup stage %s branch: %v", st.ID, err)
		}
	}

	st.Session = ""
	st.Worktree = ""
	if err := d.saveStage(st); err != nil {
		d.log.Error("cleanup stage %s: persist: %v", st.ID, err)
	}
}

// onMergeConflict records the conflict and spawns a resolution session in
// the project root, where the merge is sitting mid-flight.
func (d *Driver) onMergeConflict(st *model.Stage, mergePoint string, conflicting []string) {
	d.log.Warn("stage %s merge conflicted on: %s", st.ID, strings.Join(conflicting, ", "))
	if err := st.TryMarkMergeConflict(); err != nil {
		d.log.Warn("stage %s: %v", st.ID, err)
		return
	}
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist stage %s: %v", st.ID, err)
		return
	}
	d.spawnMergeSession(st, mergePoint, conflicting)
}

// spawnMergeSession dispatches a merge-resolution session for st.
func (d *Driver) spawnMergeSession(st *model.Stage, mergePoint string, conflicting []string) {
	sessionID := uuid.New().String()
	sourceBranch := "loom/" + st.ID

	doc := d.signals.GenerateMerge(signal.MergeInput{
		SessionID:        sessionID,
		StageID:          st.ID,
		SourceBranch:     sourceBranch,
		TargetBranch:     mergePoint,
		ProjectRoot:      d.projectRoot,
		ConflictingFiles: conflicting,
	})
	if err := d.store.SaveSignal(sessionID, []byte(doc)); err != nil {
		d.log.Error("merge session signal for %s: %v", st.ID, err)
		return
	}
	signalPath := d.store.SignalPath(sessionID)

	sess := &model.Session{
		ID:                sessionID,
		StageID:           st.ID,
		SessionType:       model.SessionMerge,
		Status:            model.SessionSpawning,
		CreatedAt:         time.Now().UTC(),
		LastActive:        time.Now().UTC(),
		WorktreePath:      d.projectRoot,
		Command:           d.cfg.AgentCommand,
		MergeSourceBranch: sourceBranch,
		MergeTargetBranch: mergePoint,
	}

	if d.cfg.ManualMode {
		d.log.Info("manual mode: resolve the merge in %s per %s", d.projectRoot, signalPath)
		sess.Status = model.SessionRunning
	} else {
		res, err := d.backend.Spawn(session.SpawnRequest{
			Kind:       session.KindMerge,
			StageID:    st.ID,
			WorkingDir: d.projectRoot,
			SignalPath: signalPath,
			Command:    d.cfg.AgentCommand,
		})
		if err != nil {
			d.log.Error("spawn merge session for %s: %v", st.ID, err)
			return
		}
		res.SessionID = sessionID
		sess.PID = res.PID
		sess.TerminalSessionName = res.MuxID
		sess.Status = model.SessionRunning
		d.active[st.ID] = &activeSession{sess: sess, res: res}
	}

	if err := d.store.SaveSession(sess); err != nil {
		d.log.Error("persist merge session for %s: %v", st.ID, err)
	}
	st.Session = sessionID
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist stage %s: %v", st.ID, err)
	}
}

// onMergeSessionCompleted retries the merge after a resolution session
// exits; the usual outcome is AlreadyMerged since the session committed
// the merge itself.
func (d *Driver) onMergeSessionCompleted(stageID, sessionID string) {
	st, err := d.store.LoadStage(stageID)
	if err != nil {
		d.log.Error("merge session done: load stage %s: %v", stageID, err)
		return
	}
	if act, ok := d.active[stageID]; ok {
		d.releaseSession(stageID, act)
	}

	point, err := d.mergePoint()
	if err != nil {
		d.log.Error("merge session done: %v", err)
		return
	}
	outcome, err := d.merger.RetryAfterResolution(st.ID, point)
	if err != nil {
		d.log.Error("merge retry for %s: %v", st.ID, err)
		return
	}
	if outcome.Merged() || outcome.Kind == merge.OutcomeNoBranch {
		d.log.Info("stage %s merge resolved", st.ID)
		d.finalizeMerged(st)
		return
	}

	st.IncrementFixAttempts()
	if st.IsAtFixLimit() {
		d.log.Error("stage %s still conflicted after %d resolution attempts; blocking", st.ID, st.FixAttempts)
		if err := st.TryMarkBlocked(); err != nil {
			d.log.Warn("stage %s: %v", st.ID, err)
		}
		if err := d.saveStage(st); err != nil {
			d.log.Error("persist stage %s: %v", st.ID, err)
		}
		return
	}
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist stage %s: %v", st.ID, err)
	}
	d.spawnMergeSession(st, point, outcome.ConflictingFiles)
}

// onSessionCrashed records the crash and blocks the stage; the retry scan
// re-queues it after backoff.
func (d *Driver) onSessionCrashed(stageID, sessionID string) {
	d.log.Error("session %s for stage %s crashed", sessionID, stageID)

	report := "# Crash Report\n\n- Session: " + sessionID + "\n- Stage: " + stageID +
		"\n- Detected: " + time.Now().UTC().Format(time.RFC3339) +
		"\n\nThe session's process disappeared while the stage was still running.\n"
	if path, err := d.store.WriteCrashReport(sessionID, []byte(report)); err != nil {
		d.log.Warn("write crash report for %s: %v", sessionID, err)
	} else {
		d.log.Info("crash report: %s", path)
	}

	if sess, err := d.store.LoadSession(sessionID); err == nil {
		now := time.Now().UTC()
		sess.Status = model.SessionCrashed
		sess.EndedAt = &now
		if err := d.store.SaveSession(sess); err != nil {
			d.log.Warn("persist crashed session %s: %v", sessionID, err)
		}
	}
	delete(d.active, stageID)

	st, err := d.store.LoadStage(stageID)
	if err != nil {
		d.log.Error("crashed stage %s: %v", stageID, err)
		return
	}
	st.RecordFailure(model.FailureSessionCrash, "session "+sessionID+" exited without completing")
	st.Session = ""
	if err := st.TryMarkBlocked(); err != nil {
		d.log.Warn("stage %s: %v", stageID, err)
		return
	}
	if err := d.saveStage(st); err != nil {
		d.log.Error("persist stage %s: %v", stageID, err)
	}
}

// onContextCritical generates a handoff for the session and parks the
// stage in NeedsHandoff for the continuation path.
func (d *Driver) onContextCritical(stageID, sessionID string, pct float64) {
	d.log.Warn("session %s for stage %s crossed the critical context threshold (%.0f%%)", sessionID, stageID, pct)

	st, err := d.store.LoadStage(stageID)
	if err != nil {
		d.log.Error("context critical: load stage %s: %v", stageID, err)
		return
	}

	d.writeAutoHandoff(st, sessionID, pct)

	if st.Status == model.StatusExecuting {
		if err := st.TryMarkNeedsHandoff(); err != nil {
			d.log.Warn("stage %s: %v", stageID, err)
			return
		}
		if err := d.saveStage(st); err != nil {
			d.log.Error("persist stage %s: %v", stageID, err)
		}
	}

	if sess, err := d.store.LoadSession(sessionID); err == nil {
		sess.Status = model.SessionContextExhausted
		if err := d.store.SaveSession(sess); err != nil {
			d.log.Warn("persist session %s: %v", sessionID, err)
		}
	}
}

// writeAutoHandoff produces a minimal typed handoff from orchestrator
// knowledge. Agents that write richer handoffs before exiting supersede
// this one: numbering is monotonic and the continuation uses the latest.
func (d *Driver) writeAutoHandoff(st *model.Stage, sessionID string, pct float64) {
	h := &handoff.HandoffV2{
		Version:        handoff.SchemaVersion,
		SessionID:      sessionID,
		StageID:        st.ID,
		ContextPercent: pct,
		Branch:         "loom/" + st.ID,
		NextActions: []string{
			"Review the acceptance criteria in the signal",
			"Inspect the branch's commits and uncommitted work for what was in flight",
			"Continue the implementation where the previous session stopped",
		},
	}
	if path, err := d.handoffs.Generate(h); err != nil {
		d.log.Error("generate handoff for %s: %v", st.ID, err)
	} else {
		d.log.Info("wrote handoff %s", path)
	}
}

// onSessionNeedsHandoff handles an agent that parked its own stage in
// NeedsHandoff (manual handoff request); the continuation path picks it
// up once the session exits.
func (d *Driver) onSessionNeedsHandoff(stageID, sessionID string) {
	d.log.Info("stage %s requested handoff from session %s", stageID, sessionID)
}

// onHeartbeat refreshes the session record's liveness bookkeeping.
func (d *Driver) onHeartbeat(ev monitor.Event) {
	sess, err := d.store.LoadSession(ev.SessionID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	sess.LastActive = now
	sess.LastHeartbeatAt = &now
	if ev.ContextPercent != nil && sess.ContextLimit > 0 {
		sess.ContextTokens = int(*ev.ContextPercent / 100 * float64(sess.ContextLimit))
	}
	if err := d.store.SaveSession(sess); err != nil {
		d.log.Warn("persist heartbeat for session %s: %v", ev.SessionID, err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
