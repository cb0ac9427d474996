// Package session spawns and supervises the agent subprocess for a stage:
// thin os/exec wrappers over a terminal emulator or multiplexer, plus
// pid-based liveness probing for the monitor.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/loomstage/loom/internal/errs"
)

// Kind distinguishes the three spawn shapes a stage may need.
type Kind int

const (
	// KindStage is a normal stage session, rooted in its worktree.
	KindStage Kind = iota
	// KindMerge resolves a merge conflict, rooted in the project root.
	KindMerge
	// KindKnowledge updates the knowledge base, rooted in the project
	// root with no worktree.
	KindKnowledge
)

// SpawnRequest describes one session to launch.
type SpawnRequest struct {
	Kind       Kind
	StageID    string
	WorkingDir string
	SignalPath string
	Command    string // agent binary/command, e.g. "claude"
}

// SpawnResult is what a Backend returns after a successful spawn.
type SpawnResult struct {
	SessionID string
	PID       int
	PaneID    string
	MuxID     string
}

// Backend is the capability set a session supervisor implementation must
// provide: spawn, tri-state liveness check, kill, and best-effort attach.
type Backend interface {
	Spawn(req SpawnRequest) (SpawnResult, error)
	// IsAlive reports liveness as *bool: true/false when checkable, nil
	// when this backend cannot determine liveness for the given result
	// (monitor should skip, not treat as crashed).
	IsAlive(res SpawnResult) (*bool, error)
	Kill(res SpawnResult) error
	Attach(res SpawnResult) error
}

func initialPrompt(signalPath string) string {
	return fmt.Sprintf(
		"Read the signal file at %s and execute the assigned stage work. "+
			"This file contains your assignment, tasks, acceptance criteria, and context files to read.",
		signalPath,
	)
}

func newSessionID() string {
	return uuid.New().String()
}

func boolPtr(b bool) *bool { return &b }

// pidAlive checks process liveness via kill -0 rather than parsing /proc,
// which keeps the check portable across unixes.
func pidAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	err = proc.Signal(unix.Signal(0))
	if err == nil {
		return true, nil
	}
	if err == unix.ESRCH {
		return false, nil
	}
	if err.Error() == "os: process already finished" {
		return false, nil
	}
	return true, nil
}

func killPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(unix.SIGTERM); err != nil {
		if err == unix.ESRCH || err == os.ErrProcessDone {
			return nil
		}
		return fmt.Errorf("%w: terminate pid %d: %v", errs.ErrInfrastructure, pid, err)
	}
	return nil
}

// setsid detaches the child into its own session so it survives the
// driver process exiting (SIGINT detaches, it does not kill sessions).
func setsid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func pidToString(pid int) string {
	return strconv.Itoa(pid)
}
