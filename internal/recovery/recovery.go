// Package recovery reconciles the in-memory graph with the on-disk stage
// and session files at driver start, re-queues retry-eligible failures,
// and sweeps sessions whose processes died while the driver was away.
package recovery

import (
	"errors"
	"time"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/logging"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/store"
)

// LivenessFunc reports whether a session's process is alive: true/false
// when checkable, nil when not (such sessions are left untouched).
type LivenessFunc func(sess *model.Session) *bool

const (
	backoffBase = 30 * time.Second
	backoffCap  = 300 * time.Second
)

// Backoff returns the exponential retry delay for the given retry count:
// 30s doubling per retry, capped at 300s.
func Backoff(retryCount int) time.Duration {
	if retryCount <= 1 {
		return backoffBase
	}
	d := backoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Reconciler runs the recovery steps in sequence.
type Reconciler struct {
	store   *store.Store
	graph   *graph.Graph
	isAlive LivenessFunc
	log     *logging.Logger
	now     func() time.Time
}

// NewReconciler builds a Reconciler over st and g, using isAlive to probe
// session processes.
func NewReconciler(st *store.Store, g *graph.Graph, isAlive LivenessFunc, log *logging.Logger) *Reconciler {
	return &Reconciler{store: st, graph: g, isAlive: isAlive, log: log, now: time.Now}
}

// Run executes the four recovery steps in order. Per-entity failures are
// logged and skipped; only a failure to enumerate entities aborts.
func (r *Reconciler) Run() error {
	if err := r.SyncGraphFromFiles(); err != nil {
		return err
	}
	if err := r.ScanRetryEligible(); err != nil {
		return err
	}
	if err := r.SweepOrphanedSessions(); err != nil {
		return err
	}
	return r.SyncQueuedToFiles()
}

// SyncGraphFromFiles copies each stage file's status, merged flag, and
// outputs into the corresponding graph node, so scheduling decisions made
// this run start from the persisted truth.
func (r *Reconciler) SyncGraphFromFiles() error {
	stages, err := r.store.ListStages()
	if err != nil {
		return err
	}
	for _, st := range stages {
		r.graph.SyncStage(st)
	}
	return nil
}

// ScanRetryEligible re-queues Blocked stages whose failure is retryable
// (crash, timeout, or infrastructure), whose retry budget remains, and whose backoff
// window has elapsed. Each update follows the snapshot/mutate/persist/
// rollback pattern so the graph never diverges from disk.
func (r *Reconciler) ScanRetryEligible() error {
	stages, err := r.store.ListStages()
	if err != nil {
		return err
	}
	for _, st := range stages {
		if st.Status != model.StatusBlocked || st.FailureInfo == nil {
			continue
		}
		switch st.FailureInfo.FailureType {
		case model.FailureSessionCrash, model.FailureTimeout, model.FailureInfrastructure:
		default:
			continue
		}
		if !st.CanRetry() {
			continue
		}
		if st.LastFailureAt != nil && r.now().Sub(*st.LastFailureAt) < Backoff(st.RetryCount) {
			continue
		}

		node := r.graph.Stage(st.ID)
		var prior model.StageStatus
		if node != nil {
			prior = node.Status
			node.Status = model.StatusQueued
		}
		if err := st.TryMarkQueued(); err != nil {
			if node != nil {
				node.Status = prior
			}
			r.log.Warn("retry scan: stage %s: %v", st.ID, err)
			continue
		}
		if err := r.store.SaveStage(st, r.graph.Level(st.ID)); err != nil {
			if node != nil {
				node.Status = prior
			}
			r.log.Error("retry scan: persist stage %s: %v", st.ID, err)
			continue
		}
		r.graph.SyncStage(st)
		r.log.Info("retry scan: re-queued stage %s (retry %d/%d)", st.ID, st.RetryCount, st.EffectiveMaxRetries())
	}
	return nil
}

// SweepOrphanedSessions deletes session files whose process is no longer
// alive, resetting their stages toward Queued so a fresh session can be
// dispatched. Stages already in a terminal or resumable-by-other-means
// state are left alone.
func (r *Reconciler) SweepOrphanedSessions() error {
	sessions, err := r.store.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		alive := r.isAlive(sess)
		if alive == nil || *alive {
			continue
		}

		st, err := r.store.LoadStage(sess.StageID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				r.deleteSessionFiles(sess)
				continue
			}
			r.log.Error("orphan sweep: load stage %s: %v", sess.StageID, err)
			continue
		}

		switch st.Status {
		case model.StatusExecuting, model.StatusNeedsHandoff:
			r.resetToQueued(st, sess)
		case model.StatusBlocked:
			if st.FailureInfo != nil && st.FailureInfo.FailureType == model.FailureSessionCrash {
				r.resetToQueued(st, sess)
			}
		}
		r.deleteSessionFiles(sess)
	}
	return nil
}

// resetToQueued moves a stage with a dead session back to Queued,
// stepping through Blocked when coming from Executing, and bypassing the
// transition table as a last resort so recovery never deadlocks on an
// inconsistency it was built to repair.
func (r *Reconciler) resetToQueued(st *model.Stage, sess *model.Session) {
	node := r.graph.Stage(st.ID)
	var prior model.StageStatus
	if node != nil {
		prior = node.Status
	}

	if st.Status == model.StatusExecuting {
		st.RecordFailure(model.FailureSessionCrash, "session "+sess.ID+" not alive at recovery")
		if err := st.TryMarkBlocked(); err != nil {
			r.log.Warn("orphan sweep: stage %s: %v; bypassing validation for recovery (%s -> %s)",
				st.ID, err, st.Status, model.StatusBlocked)
			st.Status = model.StatusBlocked
		}
	}
	if st.Status != model.StatusQueued {
		if err := st.TryMarkQueued(); err != nil {
			r.log.Warn("orphan sweep: stage %s: %v; bypassing validation for recovery (%s -> %s)",
				st.ID, err, st.Status, model.StatusQueued)
			st.Status = model.StatusQueued
		}
	}
	st.Session = ""

	if node != nil {
		node.Status = model.StatusQueued
	}
	if err := r.store.SaveStage(st, r.graph.Level(st.ID)); err != nil {
		if node != nil {
			node.Status = prior
		}
		r.log.Error("orphan sweep: persist stage %s: %v", st.ID, err)
		return
	}
	r.graph.SyncStage(st)
	r.log.Info("orphan sweep: reset stage %s to queued after dead session %s", st.ID, sess.ID)
}

func (r *Reconciler) deleteSessionFiles(sess *model.Session) {
	if err := r.store.DeleteSession(sess.ID); err != nil {
		r.log.Warn("orphan sweep: delete session %s: %v", sess.ID, err)
	}
	if err := r.store.DeleteSignal(sess.ID); err != nil {
		r.log.Warn("orphan sweep: delete signal %s: %v", sess.ID, err)
	}
}

// SyncQueuedToFiles persists Queued graph status for any stage whose file
// still reads WaitingForDeps, using the validated transition.
func (r *Reconciler) SyncQueuedToFiles() error {
	for _, node := range r.graph.Stages() {
		if node.Status != model.StatusQueued {
			continue
		}
		st, err := r.store.LoadStage(node.ID)
		if err != nil {
			r.log.Error("queued sync: load stage %s: %v", node.ID, err)
			continue
		}
		if st.Status != model.StatusWaitingForDeps {
			continue
		}
		if err := st.TryMarkQueued(); err != nil {
			r.log.Warn("queued sync: stage %s: %v", node.ID, err)
			continue
		}
		if err := r.store.SaveStage(st, r.graph.Level(st.ID)); err != nil {
			r.log.Error("queued sync: persist stage %s: %v", node.ID, err)
		}
	}
	return nil
}
