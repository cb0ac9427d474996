// Package merge integrates completed stage branches into the merge point,
// one at a time, behind an exclusive file lock. The lock exists to fence
// out a second orchestrator instance or a manual operator running git
// against the base branch, not to coordinate goroutines (the driver is
// single-threaded).
package merge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/logging"
)

const (
	// lockPollInterval is how often a contended acquire re-checks the lock.
	lockPollInterval = 100 * time.Millisecond
	// lockStaleAge is how old a lock file must be before it is presumed
	// abandoned by a dead process and swept.
	lockStaleAge = 5 * time.Minute
)

// DefaultLockTimeout bounds how long an acquire waits on a contended lock.
const DefaultLockTimeout = 30 * time.Second

// Lock is the exclusive merge mutex backed by a lock file.
type Lock struct {
	path string
	log  *logging.Logger
}

// NewLock returns a Lock at path (conventionally .work/merge.lock).
func NewLock(path string, log *logging.Logger) *Lock {
	return &Lock{path: path, log: log}
}

// Acquire takes the lock, waiting up to timeout for a contending holder.
// A lock file older than the staleness threshold is swept and the acquire
// retried. The returned release function deletes the lock file and is safe
// to call more than once.
func (l *Lock) Acquire(timeout time.Duration) (release func(), err error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := l.tryCreate(); err == nil {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) && l.log != nil {
					l.log.Warn("release merge lock: %v", err)
				}
			}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: create merge lock: %v", errs.ErrInfrastructure, err)
		}

		if l.sweepIfStale() {
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: merge lock held after %s (%s)", errs.ErrMergeLockContended, timeout, l.holderInfo())
		}
		time.Sleep(lockPollInterval)
	}
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// sweepIfStale removes the lock file if it is older than the staleness
// threshold, returning true when a retry should happen immediately.
func (l *Lock) sweepIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// Holder released between our create attempt and this stat.
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < lockStaleAge {
		return false
	}
	if l.log != nil {
		l.log.Warn("sweeping stale merge lock (%s old, %s)", time.Since(info.ModTime()).Round(time.Second), l.holderInfo())
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false
	}
	return true
}

// holderInfo reads the lock file's pid= line for diagnostics.
func (l *Lock) holderInfo() string {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return "holder unknown"
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if pidStr, ok := strings.CutPrefix(line, "pid="); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(pidStr)); err == nil {
				return fmt.Sprintf("held by pid %d", pid)
			}
		}
	}
	return "holder unknown"
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }
