package worktree

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerAt(t *testing.T, projectRoot string) *Manager {
	t.Helper()
	m, err := NewManager(projectRoot, nil)
	require.NoError(t, err)
	return m
}

func makeWorktreeDir(t *testing.T, projectRoot, stageID string) string {
	t.Helper()
	path := filepath.Join(projectRoot, ".worktrees", stageID)
	require.NoError(t, os.MkdirAll(path, 0o755))
	return path
}

func TestSetupAgentConfig_InheritsInstructionsAndWritesPermissions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".claude", "CLAUDE.md"), []byte("project instructions\n"), 0o644))

	m := managerAt(t, root)
	wt := makeWorktreeDir(t, root, "api")
	require.NoError(t, m.setupAgentConfig(wt))

	// A real directory, not a symlink: the permissions document inside
	// must be able to differ per worktree.
	info, err := os.Lstat(filepath.Join(wt, ".claude"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Zero(t, info.Mode()&os.ModeSymlink)

	// Instructions are a symlink back to the main copy.
	link := filepath.Join(wt, ".claude", "CLAUDE.md")
	info, err = os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
	content, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "project instructions\n", string(content))

	// The generated permissions document allows parent traversal.
	raw, err := os.ReadFile(filepath.Join(wt, ".claude", "settings.local.json"))
	require.NoError(t, err)
	var perms localPermissions
	require.NoError(t, json.Unmarshal(raw, &perms))
	assert.Contains(t, perms.Permissions.AdditionalDirectories, "../..")
	assert.NotEmpty(t, perms.Permissions.Allow)
}

func TestSetupAgentConfig_NoMainConfigIsNoOp(t *testing.T) {
	root := t.TempDir()
	m := managerAt(t, root)
	wt := makeWorktreeDir(t, root, "api")

	require.NoError(t, m.setupAgentConfig(wt))
	_, err := os.Lstat(filepath.Join(wt, ".claude"))
	assert.True(t, os.IsNotExist(err))
}

func TestSetupAgentConfig_MissingInstructionsStillWritesPermissions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude"), 0o755))

	m := managerAt(t, root)
	wt := makeWorktreeDir(t, root, "api")
	require.NoError(t, m.setupAgentConfig(wt))

	_, err := os.Lstat(filepath.Join(wt, ".claude", "CLAUDE.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(wt, ".claude", "settings.local.json"))
	assert.NoError(t, err)
}

func TestSetupAgentConfig_Idempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".claude", "CLAUDE.md"), []byte("x"), 0o644))

	m := managerAt(t, root)
	wt := makeWorktreeDir(t, root, "api")
	require.NoError(t, m.setupAgentConfig(wt))
	require.NoError(t, m.setupAgentConfig(wt))
}

func TestRemoveAgentConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".claude", "CLAUDE.md"), []byte("x"), 0o644))

	m := managerAt(t, root)
	wt := makeWorktreeDir(t, root, "api")
	require.NoError(t, m.setupAgentConfig(wt))

	removeAgentConfig(wt)
	_, err := os.Lstat(filepath.Join(wt, ".claude"))
	assert.True(t, os.IsNotExist(err))

	// The main checkout's config is untouched.
	_, err = os.Stat(filepath.Join(root, ".claude", "CLAUDE.md"))
	assert.NoError(t, err)

	// Absent directory: no-op.
	removeAgentConfig(wt)
}
