// Package dag records job dependencies and rejects cycles.
package dag

import (
	"sort"
	"sync"

	"github.com/me/jobrunner/pkg/model"
)

// Graph is a dependency graph over job identifiers. Edges point from a job
// to the jobs it depends on. It is safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	deps     map[string][]string // id -> predecessors
	recorded map[string]bool
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		deps:     make(map[string][]string),
		recorded: make(map[string]bool),
	}
}

// Record adds id with the given predecessors. Predecessors that were never
// recorded themselves are kept as bare nodes. If the new edges close a
// cycle the graph is left unchanged and a *model.DependencyCycleError is
// returned.
func (g *Graph) Record(id string, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(id, dependsOn)
}

// RecordSlot records that each task of array job id depends on the task
// with the same index in predecessor. For ordering and cycle detection it
// is an edge like any other; the backend enforces the task matching.
func (g *Graph) RecordSlot(id, predecessor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(id, []string{predecessor})
}

func (g *Graph) addLocked(id string, dependsOn []string) error {
	for _, dep := range dependsOn {
		if dep == id {
			return &model.DependencyCycleError{Nodes: []string{id}}
		}
	}

	prevDeps, hadDeps := g.deps[id]
	wasRecorded := g.recorded[id]

	g.deps[id] = mergeUnique(prevDeps, dependsOn)
	g.recorded[id] = true

	if _, cycle := g.orderLocked(); len(cycle) > 0 {
		if hadDeps {
			g.deps[id] = prevDeps
		} else {
			delete(g.deps, id)
		}
		if !wasRecorded {
			delete(g.recorded, id)
		}
		return &model.DependencyCycleError{Nodes: cycle}
	}
	return nil
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Order returns every node in a topological order, predecessors first.
// Ties are broken lexically so the result is deterministic.
func (g *Graph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, _ := g.orderLocked()
	return order
}

// orderLocked runs Kahn's algorithm. When a cycle exists the second return
// value lists the nodes left with unmet in-degree.
func (g *Graph) orderLocked() ([]string, []string) {
	// forward[A] = [B, C] means A must complete before B and C.
	forward := make(map[string][]string)
	inDegree := make(map[string]int)

	for id, deps := range g.deps {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range deps {
			if _, ok := inDegree[dep]; !ok {
				inDegree[dep] = 0
			}
			forward[dep] = append(forward[dep], id)
			inDegree[id]++
		}
	}
	for id := range g.recorded {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) == len(inDegree) {
		return order, nil
	}
	var cycleNodes []string
	for id, deg := range inDegree {
		if deg > 0 {
			cycleNodes = append(cycleNodes, id)
		}
	}
	sort.Strings(cycleNodes)
	return order, cycleNodes
}

// Has reports whether id was recorded, as opposed to only being named as
// someone's predecessor.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.recorded[id]
}
