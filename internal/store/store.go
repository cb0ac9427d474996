// Package store persists loom's entities as YAML-frontmatter Markdown
// files under .work/, the filesystem-as-database layer every other
// package reads and writes through.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/model"
)

// Store is a mutex-guarded wrapper around the .work/ directory tree.
// Every entity lives in its own file, so a crash can at worst lose the
// single write in flight, never corrupt a shared database.
type Store struct {
	mu      sync.RWMutex
	rootDir string // path to .work
}

// Open returns a Store rooted at workDir (typically {project}/.work),
// creating the standard subdirectories if they don't already exist.
func Open(workDir string) (*Store, error) {
	for _, sub := range []string{"stages", "sessions", "signals", "handoffs", "heartbeats", "pids", "memory", "archive"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", errs.ErrInfrastructure, sub, err)
		}
	}
	return &Store{rootDir: workDir}, nil
}

// Root returns the .work directory path this Store is rooted at.
func (s *Store) Root() string {
	return s.rootDir
}

// writeAtomic creates a temp file in dir, writes data, and renames it to
// path. Rename is atomic on the same filesystem, which is the durability
// guarantee this layer relies on in place of a database commit.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", errs.ErrInfrastructure, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", errs.ErrInfrastructure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", errs.ErrInfrastructure, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename into place: %v", errs.ErrInfrastructure, err)
	}
	return nil
}

func readEntity(path string, out any, extra *map[string]any) (body []byte, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrInfrastructure, path, err)
	}
	yamlPart, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrMalformed, path, err)
	}
	if err := decodeFrontmatter(yamlPart, out, extra); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrMalformed, path, err)
	}
	return body, nil
}

func writeEntity(path string, out any, extra map[string]any, body []byte) error {
	doc, err := encodeFrontmatter(out, extra, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrMalformed, path, err)
	}
	return writeAtomic(path, doc)
}

var stageFileRe = regexp.MustCompile(`^(?:\d+-)?(.+)\.md$`)

// stagesDir returns the stages/ directory path.
func (s *Store) stagesDir() string { return filepath.Join(s.rootDir, "stages") }

// FindStageFile resolves stageID to its file in stages/, tolerating the
// optional {NN-} topological-depth prefix, with a case-sensitive id match.
func (s *Store) FindStageFile(stageID string) (string, error) {
	entries, err := os.ReadDir(s.stagesDir())
	if err != nil {
		return "", fmt.Errorf("%w: read stages dir: %v", errs.ErrInfrastructure, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := stageFileRe.FindStringSubmatch(e.Name())
		if m != nil && m[1] == stageID {
			return filepath.Join(s.stagesDir(), e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: stage %s", errs.ErrNotFound, stageID)
}

// stageFileName builds the canonical stage file name with its level prefix.
func stageFileName(id string, level int) string {
	return fmt.Sprintf("%02d-%s.md", level, id)
}

// SaveStage writes st to its canonical path, computing the file name from
// level. If a differently-prefixed file for the same id already exists
// (the stage's level changed since the last save), the stale file is
// removed so stages/ never accumulates duplicates for one id.
func (s *Store) SaveStage(st *model.Stage, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.findStageFileLocked(st.ID); err == nil {
		want := filepath.Join(s.stagesDir(), stageFileName(st.ID, level))
		if existing != want {
			os.Remove(existing)
		}
	}

	path := filepath.Join(s.stagesDir(), stageFileName(st.ID, level))
	body := []byte(fmt.Sprintf("# %s\n\n%s\n", st.Name, st.Description))
	return writeEntity(path, st, st.Extra, body)
}

func (s *Store) findStageFileLocked(stageID string) (string, error) {
	entries, err := os.ReadDir(s.stagesDir())
	if err != nil {
		return "", fmt.Errorf("%w: read stages dir: %v", errs.ErrInfrastructure, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := stageFileRe.FindStringSubmatch(e.Name())
		if m != nil && m[1] == stageID {
			return filepath.Join(s.stagesDir(), e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: stage %s", errs.ErrNotFound, stageID)
}

// LoadStage reads and parses the stage with the given id.
func (s *Store) LoadStage(stageID string) (*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.findStageFileLocked(stageID)
	if err != nil {
		return nil, err
	}
	st := &model.Stage{}
	if _, err := readEntity(path, st, &st.Extra); err != nil {
		return nil, err
	}
	return st, nil
}

// ListStages returns every stage in stages/, sorted by id.
func (s *Store) ListStages() ([]*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.stagesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: read stages dir: %v", errs.ErrInfrastructure, err)
	}
	var out []*model.Stage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		st := &model.Stage{}
		if _, err := readEntity(filepath.Join(s.stagesDir(), e.Name()), st, &st.Extra); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ArchiveStage moves a stage's file into archive/, leaving its contents
// untouched, per the lifecycle rule that stages leave stages/ only by
// explicit user action.
func (s *Store) ArchiveStage(stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findStageFileLocked(stageID)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.rootDir, "archive", filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("%w: archive %s: %v", errs.ErrInfrastructure, stageID, err)
	}
	return nil
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.rootDir, "sessions", id+".md")
}

// SaveSession writes sess to sessions/{id}.md.
func (s *Store) SaveSession(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeEntity(s.sessionPath(sess.ID), sess, sess.Extra, nil)
}

// LoadSession reads sessions/{id}.md.
func (s *Store) LoadSession(id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := &model.Session{}
	if _, err := readEntity(s.sessionPath(id), sess, &sess.Extra); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession removes a session file during post-merge cleanup.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete session %s: %v", errs.ErrInfrastructure, id, err)
	}
	return nil
}

// ListSessions returns every session under sessions/.
func (s *Store) ListSessions() ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.rootDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read sessions dir: %v", errs.ErrInfrastructure, err)
	}
	var out []*model.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		sess := &model.Session{}
		if _, err := readEntity(filepath.Join(dir, e.Name()), sess, &sess.Extra); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) signalPath(sessionID string) string {
	return filepath.Join(s.rootDir, "signals", sessionID+".md")
}

// SignalPath returns the canonical signal file path for sessionID, handed
// to agents as their assignment pointer.
func (s *Store) SignalPath(sessionID string) string {
	return s.signalPath(sessionID)
}

// HeartbeatsDir returns the directory agents write their liveness pings to.
func (s *Store) HeartbeatsDir() string {
	return filepath.Join(s.rootDir, "heartbeats")
}

// SaveSignal writes a pre-rendered signal document, keyed by session id.
func (s *Store) SaveSignal(sessionID string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.signalPath(sessionID), content)
}

// LoadSignal reads the raw signal document for sessionID.
func (s *Store) LoadSignal(sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := os.ReadFile(s.signalPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: signal %s", errs.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: read signal %s: %v", errs.ErrInfrastructure, sessionID, err)
	}
	return raw, nil
}

// DeleteSignal removes a signal file during post-merge cleanup.
func (s *Store) DeleteSignal(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.signalPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete signal %s: %v", errs.ErrInfrastructure, sessionID, err)
	}
	return nil
}

func (s *Store) worktreePath(stageID string) string {
	return filepath.Join(s.rootDir, "worktrees", stageID+".md")
}

// SaveWorktree persists worktree bookkeeping for a stage. These records
// live under .work/ alongside everything else, distinct from the actual
// checkout under .worktrees/{stage_id}/.
func (s *Store) SaveWorktree(wt *model.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(s.rootDir, "worktrees"), 0o755); err != nil {
		return fmt.Errorf("%w: create worktrees dir: %v", errs.ErrInfrastructure, err)
	}
	return writeEntity(s.worktreePath(wt.StageID), wt, wt.Extra, nil)
}

// LoadWorktree reads the worktree record for stageID.
func (s *Store) LoadWorktree(stageID string) (*model.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wt := &model.Worktree{}
	if _, err := readEntity(s.worktreePath(stageID), wt, &wt.Extra); err != nil {
		return nil, err
	}
	return wt, nil
}

// HeartbeatPath returns the liveness ping path for stageID, written by the
// agent process itself, read-only from loom's point of view.
func (s *Store) HeartbeatPath(stageID string) string {
	return filepath.Join(s.rootDir, "heartbeats", stageID+".json")
}

// PIDPath returns the optional explicit pid file path for stageID.
func (s *Store) PIDPath(stageID string) string {
	return filepath.Join(s.rootDir, "pids", stageID+".pid")
}

// HandoffPath returns the path for the seq'th handoff document of stageID
// (1-indexed, per the append-only monotonic numbering contract).
func (s *Store) HandoffPath(stageID string, seq int) string {
	return filepath.Join(s.rootDir, "handoffs", fmt.Sprintf("%s-handoff-%03d.md", stageID, seq))
}

// NextHandoffSeq scans handoffs/ for stageID's existing documents and
// returns the next sequence number to use.
func (s *Store) NextHandoffSeq(stageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.rootDir, "handoffs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: read handoffs dir: %v", errs.ErrInfrastructure, err)
	}
	prefix := stageID + "-handoff-"
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name[len(prefix):], ".md"), "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// WriteHandoff writes raw handoff content (typed or prose) to the next
// sequence slot for stageID, returning the path written.
func (s *Store) WriteHandoff(stageID string, content []byte) (string, error) {
	seq, err := s.NextHandoffSeq(stageID)
	if err != nil {
		return "", err
	}
	path := s.HandoffPath(stageID, seq)
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCrashReport persists a crash report for sessionID under crashes/,
// returning the path written. Reports are diagnostic artifacts for the
// operator; nothing in loom reads them back.
func (s *Store) WriteCrashReport(sessionID string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.rootDir, "crashes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create crashes dir: %v", errs.ErrInfrastructure, err)
	}
	path := filepath.Join(dir, sessionID+".md")
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// MergeLockPath returns the path of the exclusive merge mutex file.
func (s *Store) MergeLockPath() string {
	return filepath.Join(s.rootDir, "merge.lock")
}
