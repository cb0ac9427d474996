package merge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/logging"
)

// OutcomeKind classifies what the merge produced.
type OutcomeKind int

const (
	// OutcomeNoBranch means the stage's branch no longer exists; there is
	// nothing to merge (the branch was already integrated and deleted).
	OutcomeNoBranch OutcomeKind = iota
	// OutcomeSuccess means a real merge commit was made.
	OutcomeSuccess
	// OutcomeFastForward means the merge point advanced without a commit.
	OutcomeFastForward
	// OutcomeAlreadyMerged means the merge point already contained the work.
	OutcomeAlreadyMerged
	// OutcomeConflict means the merge stopped on content conflicts, which
	// are left in the working tree for a resolution session.
	OutcomeConflict
)

// String returns the lowercase label used in logs and status lines.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoBranch:
		return "no_branch"
	case OutcomeSuccess:
		return "success"
	case OutcomeFastForward:
		return "fast_forward"
	case OutcomeAlreadyMerged:
		return "already_merged"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one merge attempt.
type Outcome struct {
	Kind             OutcomeKind
	FilesChanged     int
	ConflictingFiles []string
}

// Merged reports whether the outcome means the branch's work is now in
// the merge point.
func (o Outcome) Merged() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeFastForward, OutcomeAlreadyMerged:
		return true
	default:
		return false
	}
}

// GitOps is the slice of git capability the engine needs; git.Runner
// satisfies it.
type GitOps interface {
	BranchExists(name string) (bool, error)
	CheckoutBranch(name string) error
	DeleteBranch(name string) error
	ConflictedFiles() ([]string, error)
	Run(args ...string) (string, error)
}

var _ GitOps = (git.Runner)(nil)

// Engine performs lock-serialized merges of stage branches into the merge
// point.
type Engine struct {
	git         GitOps
	lock        *Lock
	lockTimeout time.Duration
	log         *logging.Logger
}

// NewEngine builds an Engine running runner in the main repository
// checkout, serializing merges behind lock.
func NewEngine(runner GitOps, lock *Lock, lockTimeout time.Duration, log *logging.Logger) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Engine{git: runner, lock: lock, lockTimeout: lockTimeout, log: log}
}

func branchNameForStage(stageID string) string {
	return "loom/" + stageID
}

// MergeCompletedStage merges loom/{stageID} into mergePoint, holding the
// merge lock for the duration. On conflict the working tree is left
// mid-merge so a resolution session can finish it.
func (e *Engine) MergeCompletedStage(stageID, mergePoint string) (Outcome, error) {
	branch := branchNameForStage(stageID)

	exists, err := e.git.BranchExists(branch)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: check branch %s: %v", errs.ErrInfrastructure, branch, err)
	}
	if !exists {
		return Outcome{Kind: OutcomeNoBranch}, nil
	}

	release, err := e.lock.Acquire(e.lockTimeout)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if err := e.git.CheckoutBranch(mergePoint); err != nil {
		return Outcome{}, fmt.Errorf("%w: checkout merge point %s: %v", errs.ErrInfrastructure, mergePoint, err)
	}

	out, mergeErr := e.git.Run("merge", "--no-edit", branch)
	if mergeErr != nil {
		conflicting, _ := e.git.ConflictedFiles()
		if len(conflicting) > 0 {
			if e.log != nil {
				e.log.Warn("merge of %s into %s conflicted on %d file(s)", branch, mergePoint, len(conflicting))
			}
			return Outcome{Kind: OutcomeConflict, ConflictingFiles: conflicting}, nil
		}
		return Outcome{}, fmt.Errorf("%w: merge %s into %s: %v", errs.ErrInfrastructure, branch, mergePoint, mergeErr)
	}

	return classifyMergeOutput(out), nil
}

// RetryAfterResolution re-runs the merge for a stage whose conflict was
// resolved by a merge session. The resolution session commits the merge
// itself, so the usual case is AlreadyMerged.
func (e *Engine) RetryAfterResolution(stageID, mergePoint string) (Outcome, error) {
	return e.MergeCompletedStage(stageID, mergePoint)
}

// DeleteBranch removes a stage's branch after its work has merged.
func (e *Engine) DeleteBranch(stageID string) error {
	branch := branchNameForStage(stageID)
	exists, err := e.git.BranchExists(branch)
	if err != nil || !exists {
		return err
	}
	return e.git.DeleteBranch(branch)
}

var filesChangedRe = regexp.MustCompile(`(\d+) files? changed`)

// classifyMergeOutput distinguishes already-up-to-date, fast-forward, and
// true merge commits from git merge's stdout.
func classifyMergeOutput(out string) Outcome {
	switch {
	case strings.Contains(out, "Already up to date"), strings.Contains(out, "Already up-to-date"):
		return Outcome{Kind: OutcomeAlreadyMerged}
	case strings.Contains(out, "Fast-forward"):
		return Outcome{Kind: OutcomeFastForward, FilesChanged: parseFilesChanged(out)}
	default:
		return Outcome{Kind: OutcomeSuccess, FilesChanged: parseFilesChanged(out)}
	}
}

func parseFilesChanged(out string) int {
	m := filesChangedRe.FindStringSubmatch(out)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
