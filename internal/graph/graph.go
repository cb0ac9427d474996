// Package graph maintains the stage dependency DAG: cycle detection,
// topological levels, and the readiness predicate the orchestrator polls
// each tick.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomstage/loom/internal/model"
)

// ErrCycleDetected indicates a circular dependency was found in the stage graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a mutex-guarded dependency graph over stages.
type Graph struct {
	mu sync.RWMutex

	nodes  map[string]*model.Stage
	edges  map[string][]string // stage id -> ids it depends on
	levels map[string]int
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*model.Stage),
		edges: make(map[string][]string),
	}
}

// Build (re)constructs the graph from stages, validating that every
// dependency references a known stage and that no cycle exists. On error
// the graph is left as it was before the call.
func (g *Graph) Build(stages []*model.Stage) error {
	nodes := make(map[string]*model.Stage, len(stages))
	edges := make(map[string][]string, len(stages))

	for _, st := range stages {
		nodes[st.ID] = st
		edges[st.ID] = nil
	}
	for _, st := range stages {
		for _, dep := range st.Dependencies {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("stage %s depends on unknown stage %s", st.ID, dep)
			}
			edges[st.ID] = append(edges[st.ID], dep)
		}
	}

	if hasCycle(nodes, edges) {
		return ErrCycleDetected
	}

	levels, err := computeLevels(nodes, edges)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nodes
	g.edges = edges
	g.levels = levels
	return nil
}

func hasCycle(nodes map[string]*model.Stage, edges map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range nodes {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// computeLevels assigns each stage a topological level: zero for stages
// with no dependencies, otherwise one greater than the maximum level of
// its dependencies. The graph is already known acyclic by this point.
func computeLevels(nodes map[string]*model.Stage, edges map[string][]string) (map[string]int, error) {
	levels := make(map[string]int, len(nodes))
	var assign func(id string) int
	visiting := make(map[string]bool)
	assign = func(id string) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		max := -1
		for _, dep := range edges[id] {
			if lvl := assign(dep); lvl > max {
				max = lvl
			}
		}
		lvl := max + 1
		levels[id] = lvl
		delete(visiting, id)
		return lvl
	}
	for id := range nodes {
		assign(id)
	}
	return levels, nil
}

// depsSatisfied reports whether every dependency of id is Completed and
// merged, the readiness predicate generalized beyond a plain status check
// so progressive merge ordering is respected.
func (g *Graph) depsSatisfied(id string) bool {
	for _, dep := range g.edges[id] {
		depStage, ok := g.nodes[dep]
		if !ok {
			return false
		}
		if depStage.Status != model.StatusCompleted || !depStage.Merged {
			return false
		}
	}
	return true
}

// ReadyStages returns the ids of WaitingForDeps stages whose dependencies
// are all satisfied, excluding held stages, sorted by (level asc, id asc)
// so lower-level and lexicographically earlier work is dispatched first.
func (g *Graph) ReadyStages() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, st := range g.nodes {
		if st.Held {
			continue
		}
		if st.Status != model.StatusWaitingForDeps {
			continue
		}
		if g.depsSatisfied(id) {
			ready = append(ready, id)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		li, lj := g.levels[ready[i]], g.levels[ready[j]]
		if li != lj {
			return li < lj
		}
		return ready[i] < ready[j]
	})
	return ready
}

// TriggerDependents returns the ids of stages that directly depend on
// parentID, for the orchestrator to re-check for readiness immediately
// after parentID merges, instead of waiting for the next poll tick.
func (g *Graph) TriggerDependents(parentID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, dep := range deps {
			if dep == parentID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// SyncStage copies the scheduling-relevant fields of a freshly loaded
// stage file into the graph's node for the same id, so readiness checks
// see the on-disk truth without a full rebuild. Merged is copied before
// Status so a reader observing Completed never sees a stale merged flag.
func (g *Graph) SyncStage(st *model.Stage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[st.ID]
	if !ok || node == st {
		return
	}
	node.Merged = st.Merged
	node.Status = st.Status
	node.Outputs = st.Outputs
	node.Held = st.Held
}

// Stages returns every stage in the graph, in unspecified order.
func (g *Graph) Stages() []*model.Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*model.Stage, 0, len(g.nodes))
	for _, st := range g.nodes {
		out = append(out, st)
	}
	return out
}

// Stage returns the stage registered under id, or nil if unknown.
func (g *Graph) Stage(id string) *model.Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Dependencies returns the dependency ids recorded for id.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[id]
}

// Size returns the number of stages in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Level returns the topological level assigned to id.
func (g *Graph) Level(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.levels[id]
}
