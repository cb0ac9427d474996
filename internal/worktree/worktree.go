// Package worktree manages the per-stage git worktrees that isolate each
// stage's execution: one checkout per stage under .worktrees/, each
// carrying a .work symlink back to the shared state directory so an agent
// working inside its worktree can still read/write signals and handoffs.
package worktree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/sandbox"
)

// Worktree describes one managed checkout.
type Worktree struct {
	StageID string
	Path    string
	Branch  string
}

// branchPrefix distinguishes loom-managed branches from any others in the
// repository.
const branchPrefix = "loom/"

func branchNameForStage(stageID string) string {
	return branchPrefix + stageID
}

// Manager creates, lists, and reclaims stage worktrees.
type Manager struct {
	baseDir  string // .worktrees
	workDir  string // .work, symlinked into every worktree
	repoPath string
	git      git.Runner
	mu       sync.Mutex
}

// NewManager builds a Manager rooted at projectRoot, using runner for all
// git plumbing. baseDir is projectRoot/.worktrees and workDir is
// projectRoot/.work, matching the directory layout.
func NewManager(projectRoot string, runner git.Runner) (*Manager, error) {
	baseDir := filepath.Join(projectRoot, ".worktrees")
	workDir := filepath.Join(projectRoot, ".work")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create worktree base directory: %v", errs.ErrInfrastructure, err)
	}
	return &Manager{
		baseDir:  baseDir,
		workDir:  workDir,
		repoPath: projectRoot,
		git:      runner,
	}, nil
}

// GetOrCreate returns the existing worktree for stageID if one exists on
// disk and git knows it, otherwise adds a worktree for the stage's branch,
// creating that branch from baseBranch only when it does not exist yet. It
// materializes the .work symlink, the agent config directory, and
// stageCfg's sandbox settings file inside the new checkout.
func (m *Manager) GetOrCreate(stageID, baseBranch string, stageCfg sandbox.MergedConfig) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchNameForStage(stageID)
	path := filepath.Join(m.baseDir, stageID)

	if _, err := os.Stat(path); err == nil {
		if m.isRegistered(path) {
			return &Worktree{StageID: stageID, Path: path, Branch: branch}, nil
		}
		// A directory git doesn't know about is leftover debris from a
		// crashed run; clear it and recreate from scratch.
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("%w: remove stale worktree dir %s: %v", errs.ErrInfrastructure, stageID, err)
		}
		_ = m.git.WorktreePruneExpireNow()
	}

	exists, err := m.git.BranchExists(branch)
	if err != nil {
		return nil, fmt.Errorf("%w: check branch %s: %v", errs.ErrInfrastructure, branch, err)
	}
	if exists {
		if err := m.git.WorktreeAdd(path, branch); err != nil {
			return nil, fmt.Errorf("%w: add worktree for existing branch %s: %v", errs.ErrInfrastructure, branch, err)
		}
	} else {
		if err := m.git.CheckoutBranch(baseBranch); err != nil {
			return nil, fmt.Errorf("%w: checkout base %s: %v", errs.ErrInfrastructure, baseBranch, err)
		}
		if err := m.git.WorktreeAddNewBranch(path, branch); err != nil {
			return nil, fmt.Errorf("%w: create worktree %s: %v", errs.ErrInfrastructure, branch, err)
		}
	}

	if err := m.linkWorkDir(path); err != nil {
		return nil, err
	}
	if err := m.setupAgentConfig(path); err != nil {
		return nil, err
	}
	if err := writeSandboxSettings(path, stageCfg); err != nil {
		return nil, err
	}

	return &Worktree{StageID: stageID, Path: path, Branch: branch}, nil
}

// isRegistered reports whether path is a worktree git knows about.
// Both sides are canonicalized so a symlinked checkout still matches.
func (m *Manager) isRegistered(path string) bool {
	known, err := m.git.WorktreeList()
	if err != nil {
		return false
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		canonical = path
	}
	for _, w := range known {
		other, err := filepath.EvalSymlinks(w)
		if err != nil {
			other = w
		}
		if other == canonical {
			return true
		}
	}
	return false
}

// linkWorkDir creates the .work -> ../../.work symlink inside a fresh
// worktree so agents can reach shared state without an absolute path.
func (m *Manager) linkWorkDir(worktreePath string) error {
	rel, err := filepath.Rel(worktreePath, m.workDir)
	if err != nil {
		return fmt.Errorf("%w: compute relative .work path: %v", errs.ErrInfrastructure, err)
	}
	link := filepath.Join(worktreePath, ".work")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.Symlink(rel, link); err != nil {
		return fmt.Errorf("%w: symlink .work: %v", errs.ErrInfrastructure, err)
	}
	return nil
}

// writeSandboxSettings materializes the merged sandbox settings as a file
// inside the worktree, read by whatever agent harness enforces them.
func writeSandboxSettings(worktreePath string, cfg sandbox.MergedConfig) error {
	data, err := cfg.MarshalSettings()
	if err != nil {
		return fmt.Errorf("%w: marshal sandbox settings: %v", errs.ErrInfrastructure, err)
	}
	path := filepath.Join(worktreePath, ".loom-sandbox.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write sandbox settings: %v", errs.ErrInfrastructure, err)
	}
	return nil
}

// Remove removes the worktree directory for stageID, optionally forcing
// removal past uncommitted changes. Symlinks and the agent config
// directory are unlinked first: git refuses to remove a worktree
// containing untracked files, and the .work symlink always is one. When
// git still refuses, the directory is removed recursively and the stale
// reference pruned.
func (m *Manager) Remove(stageID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.baseDir, stageID)
	for _, name := range []string{".work", ".loom-sandbox.json"} {
		if err := os.Remove(filepath.Join(path, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: unlink %s in worktree %s: %v", errs.ErrInfrastructure, name, stageID, err)
		}
	}
	removeAgentConfig(path)
	if err := m.git.WorktreeRemoveOptionalForce(path, force); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("%w: remove worktree %s: %v (fallback removal: %v)", errs.ErrInfrastructure, stageID, err, rmErr)
		}
		_ = m.git.WorktreePruneExpireNow()
	}
	return nil
}

// List returns every loom-managed worktree known to git.
func (m *Manager) List() ([]*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("%w: list worktrees: %v", errs.ErrInfrastructure, err)
	}
	return parsePorcelain(output), nil
}

func parsePorcelain(output string) []*Worktree {
	var result []*Worktree
	var path, branch string
	flush := func() {
		if path == "" {
			return
		}
		if stageID, ok := strings.CutPrefix(branch, branchPrefix); ok {
			result = append(result, &Worktree{StageID: stageID, Path: path, Branch: branch})
		}
		path, branch = "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return result
}

// Prune drops git's references to worktrees whose directories are gone.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.git.WorktreePruneExpireNow(); err != nil {
		return fmt.Errorf("%w: prune worktrees: %v", errs.ErrInfrastructure, err)
	}
	return nil
}

// SweepOrphans removes loom worktrees whose stage id is not present in
// activeStageIDs, unlocking and force-removing each, falling back to a
// raw directory removal if git itself refuses. Returns the stage ids
// reclaimed.
func (m *Manager) SweepOrphans(activeStageIDs []string) ([]string, error) {
	active := make(map[string]bool, len(activeStageIDs))
	for _, id := range activeStageIDs {
		active[id] = true
	}

	all, err := m.List()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []string
	for _, wt := range all {
		if active[wt.StageID] {
			continue
		}
		_ = m.git.WorktreeUnlock(wt.Path)
		_ = os.Remove(filepath.Join(wt.Path, ".work"))
		removeAgentConfig(wt.Path)
		if err := m.git.WorktreeRemove(wt.Path); err != nil {
			if err := os.RemoveAll(wt.Path); err != nil {
				continue
			}
		}
		reclaimed = append(reclaimed, wt.StageID)
	}
	_ = m.git.WorktreePruneExpireNow()
	return reclaimed, nil
}

// BaseDir returns the .worktrees directory path.
func (m *Manager) BaseDir() string { return m.baseDir }

// RepoPath returns the main repository path this manager operates on.
func (m *Manager) RepoPath() string { return m.repoPath }
