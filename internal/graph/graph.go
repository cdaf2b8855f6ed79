// Package graph provides the stage dependency graph used for pipeline
// scheduling. Stages are nodes, and edges represent "blocked by"
// relationships between stages.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"fableforge/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the stage graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// StageGraph represents a directed acyclic graph of stage dependencies for
// one project. The stage set is immutable after Build; only satisfaction
// state changes during execution.
type StageGraph struct {
	mu sync.RWMutex
	// stages maps stage name to its definition.
	stages map[string]*models.Stage
	// order preserves declaration order for the ready-set tie-break.
	order []string
	// edges maps stage name to the names of stages it depends on.
	edges map[string][]string
	// satisfied tracks stages that succeeded.
	satisfied map[string]bool
	// skipped tracks optional stages accepted as degraded. A skipped
	// stage satisfies its dependents but does not count as succeeded.
	skipped map[string]bool
}

// New creates a new empty stage graph.
func New() *StageGraph {
	return &StageGraph{
		stages:    make(map[string]*models.Stage),
		edges:     make(map[string][]string),
		satisfied: make(map[string]bool),
		skipped:   make(map[string]bool),
	}
}

// Build constructs the graph from a pipeline definition.
// Returns an error if a stage name repeats, a dependency references an
// undefined stage, or the graph contains a cycle.
func (g *StageGraph) Build(def *models.PipelineDefinition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range def.Stages {
		stage := &def.Stages[i]
		if _, exists := g.stages[stage.Name]; exists {
			return fmt.Errorf("duplicate stage %q", stage.Name)
		}
		g.stages[stage.Name] = stage
		g.order = append(g.order, stage.Name)
		g.edges[stage.Name] = nil
	}

	for _, stage := range g.stages {
		for _, dep := range stage.DependsOn {
			if _, exists := g.stages[dep]; !exists {
				return fmt.Errorf("stage %q depends on undefined stage %q", stage.Name, dep)
			}
			g.edges[stage.Name] = append(g.edges[stage.Name], dep)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *StageGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked detects back edges with DFS coloring.
// Caller must hold g.mu.
func (g *StageGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.stages))

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = 1
		for _, dep := range g.edges[name] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[name] = 2
		return false
	}

	for _, name := range g.order {
		if colors[name] == 0 && visit(name) {
			return true
		}
	}
	return false
}

// Ready returns the stages whose prerequisites are all satisfied (succeeded
// or accepted-skipped) and which have not themselves completed. The result
// is deterministically ordered: family dispatch rank first (story before
// visual/audio before quality), then declaration order within the definition.
func (g *StageGraph) Ready() []*models.Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Stage
	for _, name := range g.order {
		if g.satisfied[name] || g.skipped[name] {
			continue
		}
		if g.depsMetLocked(name) {
			ready = append(ready, g.stages[name])
		}
	}

	// Declaration order is preserved; a stable sort by family rank keeps
	// it as the within-family tie-break.
	stableSortByRank(ready)
	return ready
}

// stableSortByRank is an insertion sort so equal-rank stages keep their
// declaration order.
func stableSortByRank(stages []*models.Stage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && stages[j-1].Family.DispatchRank() > stages[j].Family.DispatchRank(); j-- {
			stages[j-1], stages[j] = stages[j], stages[j-1]
		}
	}
}

// depsMetLocked reports whether every prerequisite of the stage is
// satisfied or skipped. Caller must hold g.mu.
func (g *StageGraph) depsMetLocked(name string) bool {
	for _, dep := range g.edges[name] {
		if !g.satisfied[dep] && !g.skipped[dep] {
			return false
		}
	}
	return true
}

// MarkSatisfied records that a stage succeeded, unblocking its dependents.
func (g *StageGraph) MarkSatisfied(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.satisfied[name] = true
}

// MarkSkipped records an optional stage accepted as degraded.
// Dependents treat the stage as complete.
func (g *StageGraph) MarkSkipped(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.skipped[name] = true
}

// IsComplete reports whether the stage has reached an accepted terminal
// state (succeeded or skipped).
func (g *StageGraph) IsComplete(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.satisfied[name] || g.skipped[name]
}

// AllComplete reports whether every stage has reached an accepted terminal state.
func (g *StageGraph) AllComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.order {
		if !g.satisfied[name] && !g.skipped[name] {
			return false
		}
	}
	return true
}

// Dependents returns the names of stages that depend on the given stage,
// directly or transitively, in declaration order.
func (g *StageGraph) Dependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reached := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, candidate := range g.order {
			if reached[candidate] {
				continue
			}
			for _, dep := range g.edges[candidate] {
				if dep == name || reached[dep] {
					reached[candidate] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, candidate := range g.order {
		if reached[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// Stage returns the stage definition for a given name, or nil if unknown.
func (g *StageGraph) Stage(name string) *models.Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stages[name]
}

// Size returns the number of stages in the graph.
func (g *StageGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.stages)
}

// Progress returns completed and total stage counts. Skipped optional
// stages count as completed for progress purposes.
func (g *StageGraph) Progress() (done, total int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.order {
		if g.satisfied[name] || g.skipped[name] {
			done++
		}
	}
	return done, len(g.order)
}
