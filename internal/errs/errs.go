// Package errs defines the sentinel error kinds shared across loom's
// components, usable with errors.Is/errors.As rather than string matching.
package errs

import "errors"

var (
	// ErrNotFound means the requested entity does not exist on disk.
	ErrNotFound = errors.New("not found")
	// ErrMalformed means the entity file exists but failed to parse.
	ErrMalformed = errors.New("malformed")
	// ErrInvalidTransition means a state-machine transition was rejected.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInfrastructure means a worktree/VCS/filesystem operation failed.
	ErrInfrastructure = errors.New("infrastructure error")
	// ErrScheduling means dependencies are not yet ready; retry later.
	ErrScheduling = errors.New("scheduling error")
	// ErrMergeLockContended means the merge lock is held by another writer.
	ErrMergeLockContended = errors.New("merge lock contended")
	// ErrMergeConflict is recorded on a stage; not an orchestrator failure.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrTimeout means an acceptance command or lock acquire exceeded its bound.
	ErrTimeout = errors.New("timeout")
	// ErrSessionCrash means liveness was lost without a normal exit.
	ErrSessionCrash = errors.New("session crash")
	// ErrContextExhaustion means a session crossed the critical context threshold.
	ErrContextExhaustion = errors.New("context exhaustion")
)

// Kind returns a short label for the sentinel err wraps, or "unknown" if
// err doesn't match any of the kinds above. Intended for log lines, not
// control flow (use errors.Is for control flow).
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrMalformed):
		return "Malformed"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrInfrastructure):
		return "InfrastructureError"
	case errors.Is(err, ErrScheduling):
		return "SchedulingError"
	case errors.Is(err, ErrMergeLockContended):
		return "MergeLockContended"
	case errors.Is(err, ErrMergeConflict):
		return "MergeConflict"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrSessionCrash):
		return "SessionCrash"
	case errors.Is(err, ErrContextExhaustion):
		return "ContextExhaustion"
	default:
		return "unknown"
	}
}
