package session

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loomstage/loom/internal/errs"
)

// NativeTerminalBackend spawns sessions in a native terminal window,
// detected once at construction time.
type NativeTerminalBackend struct {
	terminalCmd string
	agentCmd    string
}

// detectTerminal picks a terminal emulator by, in order: the $TERMINAL
// env var (user preference), a desktop-default lookup, xdg-terminal-exec,
// then a fixed candidate list of common terminal emulators.
func detectTerminal() (string, error) {
	if t := os.Getenv("TERMINAL"); t != "" {
		if _, err := exec.LookPath(t); err == nil {
			return t, nil
		}
	}

	if t := desktopDefaultTerminal(); t != "" {
		if _, err := exec.LookPath(t); err == nil {
			return t, nil
		}
	}

	if _, err := exec.LookPath("xdg-terminal-exec"); err == nil {
		return "xdg-terminal-exec", nil
	}

	candidates := []string{
		"kitty", "alacritty", "foot", "wezterm",
		"gnome-terminal", "konsole", "xfce4-terminal",
		"x-terminal-emulator", "xterm",
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("%w: no terminal emulator found; set $TERMINAL or install one of %s",
		errs.ErrInfrastructure, strings.Join(candidates, ", "))
}

// desktopDefaultTerminal checks gsettings (GNOME) then dconf (Cosmic) for
// a desktop-configured default terminal.
func desktopDefaultTerminal() string {
	if out, err := exec.Command("gsettings", "get", "org.gnome.desktop.default-applications.terminal", "exec").Output(); err == nil {
		t := strings.Trim(strings.TrimSpace(string(out)), "'")
		if t != "" {
			return t
		}
	}
	if out, err := exec.Command("dconf", "read", "/com/system76/cosmic/default-terminal").Output(); err == nil {
		t := strings.Trim(strings.TrimSpace(string(out)), "'")
		if t != "" {
			return t
		}
	}
	return ""
}

// NewNativeTerminalBackend detects the available terminal and returns a
// backend that spawns agent sessions in it, running agentCmd (e.g.
// "claude").
func NewNativeTerminalBackend(agentCmd string) (*NativeTerminalBackend, error) {
	term, err := detectTerminal()
	if err != nil {
		return nil, err
	}
	return &NativeTerminalBackend{terminalCmd: term, agentCmd: agentCmd}, nil
}

func (b *NativeTerminalBackend) Spawn(req SpawnRequest) (SpawnResult, error) {
	title := "loom-" + req.StageID
	if req.Kind == KindMerge {
		title = "loom-merge-" + req.StageID
	}

	prompt := initialPrompt(req.SignalPath)
	agentCmd := req.Command
	if agentCmd == "" {
		agentCmd = b.agentCmd
	}
	shellCmd := fmt.Sprintf("exec %s %s", agentCmd, shellQuote(prompt))

	cmd := exec.Command(b.terminalCmd, "--title", title, "-e", "sh", "-c", shellCmd)
	cmd.Dir = req.WorkingDir
	setsid(cmd)

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: spawn terminal: %v", errs.ErrInfrastructure, err)
	}
	go func() { _ = cmd.Wait() }()

	return SpawnResult{SessionID: newSessionID(), PID: cmd.Process.Pid}, nil
}

func (b *NativeTerminalBackend) IsAlive(res SpawnResult) (*bool, error) {
	if res.PID <= 0 {
		// No pid recorded (e.g. manual mode); liveness is not checkable.
		return nil, nil
	}
	alive, err := pidAlive(res.PID)
	if err != nil {
		return nil, err
	}
	return boolPtr(alive), nil
}

func (b *NativeTerminalBackend) Kill(res SpawnResult) error {
	return killPID(res.PID)
}

// Attach performs a best-effort window focus; if no focusing tool is
// available this is a silent no-op, matching the original's
// "don't fail if it doesn't work" attach semantics.
func (b *NativeTerminalBackend) Attach(res SpawnResult) error {
	if _, err := exec.LookPath("wmctrl"); err == nil {
		_ = exec.Command("wmctrl", "-a", fmt.Sprintf("loom-%d", res.PID)).Run()
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Backend = (*NativeTerminalBackend)(nil)
