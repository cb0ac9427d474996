// Package statemachine holds the stage status enum and its validated
// transition table. It has no dependency on storage or git; model.Stage's
// Try* methods call Transition before mutating status, keeping the guard
// in one place.
package statemachine

import (
	"fmt"

	"github.com/loomstage/loom/internal/errs"
)

// StageStatus is the stage lifecycle state. The model package aliases
// this type so the rest of the codebase reads model.StageStatus.
type StageStatus string

const (
	WaitingForDeps      StageStatus = "waiting_for_deps"
	Queued              StageStatus = "queued"
	Executing           StageStatus = "executing"
	WaitingForInput     StageStatus = "waiting_for_input"
	NeedsHandoff        StageStatus = "needs_handoff"
	Completed           StageStatus = "completed"
	Blocked             StageStatus = "blocked"
	MergeConflict       StageStatus = "merge_conflict"
	CompletedWithFails  StageStatus = "completed_with_failures"
	MergeBlocked        StageStatus = "merge_blocked"
	Skipped             StageStatus = "skipped"
	NeedsHumanReview    StageStatus = "needs_human_review"
)

// table maps each status to the set of statuses it may move to directly.
var table = map[StageStatus][]StageStatus{
	WaitingForDeps: {
		Queued,
		Blocked,
		Skipped,
	},
	Queued: {
		Executing,
		Blocked,
		Skipped,
		WaitingForDeps, // manual reset
	},
	Executing: {
		Completed,
		CompletedWithFails,
		Blocked,
		MergeConflict,
		MergeBlocked,
		WaitingForInput,
		NeedsHandoff,
		NeedsHumanReview,
	},
	WaitingForInput: {
		Executing,
		Blocked,
	},
	NeedsHandoff: {
		Queued, // continuation re-dispatch
		Blocked,
	},
	// Completed is terminal except for manual resets and merge
	// classification: a conflict on a completed stage's branch is only
	// discovered when progressive merge runs, after completion, and a
	// failing acceptance pass likewise runs after the agent records
	// completion.
	Completed: {
		MergeConflict,
		MergeBlocked,
		CompletedWithFails,
		Queued,         // manual reset
		WaitingForDeps, // manual reset
	},
	CompletedWithFails: {
		Executing, // retry
		Blocked,
		Skipped,
	},
	MergeConflict: {
		Completed, // resolved and merged
		MergeBlocked,
		Blocked,
	},
	MergeBlocked: {
		Executing, // retry
		MergeConflict,
		Blocked,
	},
	Blocked: {
		Queued, // manual unblock or retry re-queue
	},
	NeedsHumanReview: {
		Executing, // approve
		Completed, // force
		Blocked,   // reject
	},
	Skipped: {},
}

// Transition reports an error wrapping errs.ErrInvalidTransition unless
// from -> to is a direct edge in the table, or from == to (idempotent
// no-op writes are allowed so recovery can replay safely).
func Transition(from, to StageStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := table[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", errs.ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
}

// Terminal reports whether status has no outgoing transitions other than
// to itself, i.e. the stage will never be scheduled again.
func Terminal(status StageStatus) bool {
	allowed, ok := table[status]
	return ok && len(allowed) == 0
}
