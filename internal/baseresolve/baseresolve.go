// Package baseresolve picks the base branch a new worktree should be
// created from, given a stage's dependency state. With progressive
// merge, a dependency's work lands on the default branch as soon as it
// merges, so the default branch is nearly always the right answer; this
// package only falls back to a dependency's own branch in the legacy
// single-unmerged-dependency case.
package baseresolve

import (
	"fmt"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/model"
)

// Kind tags which case ResolvedBase represents.
type Kind int

const (
	// KindMain means branch_name is the merge point containing all
	// dependency work (the default branch, or an explicit configured base).
	KindMain Kind = iota
	// KindBranch means branch_name is a single dependency's own branch,
	// used when that dependency is completed but not yet merged.
	KindBranch
)

// ResolvedBase is the outcome of Resolve.
type ResolvedBase struct {
	Kind       Kind
	BranchName string
	MergedFrom []string
}

func branchNameForStage(stageID string) string {
	return "loom/" + stageID
}

// Resolve determines the base branch for stageID given its dependency
// ids, the execution graph, and an optional configured base (used for
// stages with no dependencies, or when all dependencies are merged).
func Resolve(stageID string, dependencies []string, g *graph.Graph, runner git.BranchOperations, configuredBase string) (ResolvedBase, error) {
	mainBase := func() (string, error) {
		if configuredBase != "" {
			return configuredBase, nil
		}
		return runner.DefaultBranch()
	}

	if len(dependencies) == 0 {
		base, err := mainBase()
		if err != nil {
			return ResolvedBase{}, fmt.Errorf("%w: resolve default branch: %v", errs.ErrInfrastructure, err)
		}
		return ResolvedBase{Kind: KindMain, BranchName: base}, nil
	}

	type depState struct {
		id        string
		completed bool
		merged    bool
	}
	var unready []depState
	for _, dep := range dependencies {
		node := g.Stage(dep)
		if node == nil {
			return ResolvedBase{}, fmt.Errorf("%w: dependency %q not found in graph", errs.ErrScheduling, dep)
		}
		completed := node.Status == model.StatusCompleted
		if !completed || !node.Merged {
			unready = append(unready, depState{id: dep, completed: completed, merged: node.Merged})
		}
	}

	if len(unready) == 0 {
		base, err := mainBase()
		if err != nil {
			return ResolvedBase{}, fmt.Errorf("%w: resolve default branch: %v", errs.ErrInfrastructure, err)
		}
		return ResolvedBase{Kind: KindMain, BranchName: base, MergedFrom: dependencies}, nil
	}

	if len(dependencies) == 1 {
		d := unready[0]
		if d.completed && !d.merged {
			depBranch := branchNameForStage(d.id)
			exists, err := runner.BranchExists(depBranch)
			if err != nil {
				return ResolvedBase{}, fmt.Errorf("%w: check branch %s: %v", errs.ErrInfrastructure, depBranch, err)
			}
			if exists {
				return ResolvedBase{Kind: KindBranch, BranchName: depBranch}, nil
			}
			base, err := runner.DefaultBranch()
			if err != nil {
				return ResolvedBase{}, fmt.Errorf("%w: resolve default branch: %v", errs.ErrInfrastructure, err)
			}
			return ResolvedBase{Kind: KindMain, BranchName: base}, nil
		}
		return ResolvedBase{}, fmt.Errorf(
			"%w: dependency %q is not ready (completed=%v, merged=%v); stages must only be scheduled after dependencies complete and merge",
			errs.ErrScheduling, d.id, d.completed, d.merged,
		)
	}

	return ResolvedBase{}, fmt.Errorf(
		"%w: stage %q has dependencies not ready: %v; all dependencies must be completed and merged before scheduling",
		errs.ErrScheduling, stageID, unready,
	)
}

// String returns the branch name this result resolved to, regardless
// of which Kind it is.
func (r ResolvedBase) String() string {
	return r.BranchName
}
