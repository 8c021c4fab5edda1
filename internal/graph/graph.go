// Package graph provides the dependency graph for prompt unit scheduling.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/weft/pkg/models"
)

// UnresolvedReferenceError indicates a unit references a dependency that
// does not exist in the registry. It is fatal: no unit is dispatched.
type UnresolvedReferenceError struct {
	// UnitID is the unit declaring the reference.
	UnitID string
	// Reference is the name that could not be resolved.
	Reference string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unit %s references unknown unit %s", e.UnitID, e.Reference)
}

// CyclicDependencyError indicates a circular dependency. Path holds the
// cycle with the starting unit repeated at the end.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is a directed acyclic graph of prompt units. Edges point from a
// unit to the units it depends on. A Graph is immutable after Build.
type Graph struct {
	mu sync.RWMutex
	// nodes maps unit ID to the unit itself.
	nodes map[string]*models.Unit
	// edges maps unit ID to the IDs it depends on, in declaration order.
	edges map[string][]string
	// dependents is the reverse adjacency, kept sorted for determinism.
	dependents map[string][]string
	// order preserves registry load order for stable iteration.
	order []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*models.Unit),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from the given units. It fails with
// UnresolvedReferenceError if a dependency names an unknown unit and with
// CyclicDependencyError if the edge set contains a cycle.
func (g *Graph) Build(units []*models.Unit) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d units", len(units))

	// First pass: register all units as nodes.
	for _, u := range units {
		g.nodes[u.ID] = u
		g.edges[u.ID] = nil
		g.order = append(g.order, u.ID)
	}

	// Second pass: resolve references into edges.
	for _, u := range units {
		for _, depID := range u.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return &UnresolvedReferenceError{UnitID: u.ID, Reference: depID}
			}
			g.edges[u.ID] = append(g.edges[u.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], u.ID)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CyclicDependencyError{Path: cycle}
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked runs a depth-first search with a recursion stack and
// returns the first cycle found as a path, or nil. Assumes the lock is held.
func (g *Graph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (on stack), 2 = black.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the first occurrence of
				// depID and close the loop.
				for i, s := range stack {
					if s == depID {
						cycle = append(append(cycle, stack[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Unit returns the unit for the given ID, or nil if not found.
func (g *Graph) Unit(id string) *models.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of units in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// IDs returns all unit IDs in registry load order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the IDs the given unit depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[id]
}

// Dependents returns the IDs of units that depend directly on the given unit.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependents[id]
}

// Ancestors returns every unit the target transitively depends on,
// excluding the target itself.
func (g *Graph) Ancestors(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(id, g.edges)
}

// Descendants returns every unit that transitively depends on the target,
// excluding the target itself.
func (g *Graph) Descendants(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(id, g.dependents)
}

func (g *Graph) closureLocked(id string, adj map[string][]string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("unit %s not found", id)
	}

	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), adj[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, adj[next]...)
	}
	sort.Strings(out)
	return out, nil
}

// TopologicalOrder returns the given IDs ordered so that every unit comes
// after all of its dependencies within the set. When ids is nil the whole
// graph is ordered. Build has already rejected cycles.
func (g *Graph) TopologicalOrder(ids []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if ids == nil {
		ids = g.order
	}
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	visited := make(map[string]bool, len(ids))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] || !selected[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result
}
