package session

import (
	"fmt"
	"os/exec"

	"github.com/loomstage/loom/internal/errs"
)

// MultiplexerBackend spawns sessions as named tmux sessions, for
// environments without a graphical terminal available.
type MultiplexerBackend struct {
	agentCmd string
}

// NewMultiplexerBackend returns a tmux-backed Backend running agentCmd.
func NewMultiplexerBackend(agentCmd string) *MultiplexerBackend {
	return &MultiplexerBackend{agentCmd: agentCmd}
}

func muxSessionName(req SpawnRequest) string {
	switch req.Kind {
	case KindMerge:
		return "loom-merge-" + req.StageID
	default:
		return "loom-" + req.StageID
	}
}

func (b *MultiplexerBackend) Spawn(req SpawnRequest) (SpawnResult, error) {
	name := muxSessionName(req)
	agentCmd := req.Command
	if agentCmd == "" {
		agentCmd = b.agentCmd
	}
	prompt := initialPrompt(req.SignalPath)
	shellCmd := fmt.Sprintf("exec %s %s", agentCmd, shellQuote(prompt))

	cmd := exec.Command("tmux", "new-session", "-d", "-s", name, "-c", req.WorkingDir, shellCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: tmux new-session: %v: %s", errs.ErrInfrastructure, err, string(out))
	}

	return SpawnResult{SessionID: newSessionID(), MuxID: name}, nil
}

func (b *MultiplexerBackend) IsAlive(res SpawnResult) (*bool, error) {
	if res.MuxID == "" {
		// Not spawned by this backend (e.g. manual mode); liveness is
		// not checkable, which the monitor treats as "leave it alone".
		return nil, nil
	}
	err := exec.Command("tmux", "has-session", "-t", res.MuxID).Run()
	alive := err == nil
	return boolPtr(alive), nil
}

func (b *MultiplexerBackend) Kill(res SpawnResult) error {
	if out, err := exec.Command("tmux", "kill-session", "-t", res.MuxID).CombinedOutput(); err != nil {
		alive, _ := b.IsAlive(res)
		if alive != nil && !*alive {
			return nil
		}
		return fmt.Errorf("%w: tmux kill-session: %v: %s", errs.ErrInfrastructure, err, string(out))
	}
	return nil
}

// Attach selects the named window; actually bringing it to the
// foreground is left to the operator's own terminal multiplexer client.
func (b *MultiplexerBackend) Attach(res SpawnResult) error {
	return exec.Command("tmux", "select-window", "-t", res.MuxID).Run()
}

var _ Backend = (*MultiplexerBackend)(nil)
