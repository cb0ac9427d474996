package session

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's quoted", `'it'\''s quoted'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in))
	}
}

func TestPidAlive(t *testing.T) {
	alive, err := pidAlive(os.Getpid())
	require.NoError(t, err)
	assert.True(t, alive, "our own process is alive")

	alive, err = pidAlive(0)
	require.NoError(t, err)
	assert.False(t, alive)

	// A finished child process is not alive.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	alive, err = pidAlive(pid)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestKillPID_ToleratesDeadProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	assert.NoError(t, killPID(cmd.Process.Pid))
	assert.NoError(t, killPID(0))
}

func TestMuxSessionName(t *testing.T) {
	assert.Equal(t, "loom-api", muxSessionName(SpawnRequest{Kind: KindStage, StageID: "api"}))
	assert.Equal(t, "loom-merge-api", muxSessionName(SpawnRequest{Kind: KindMerge, StageID: "api"}))
}

func TestInitialPrompt_PointsAtSignal(t *testing.T) {
	p := initialPrompt("/repo/.work/signals/s1.md")
	assert.Contains(t, p, "/repo/.work/signals/s1.md")
}
