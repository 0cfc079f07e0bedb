package engine

import (
	"sort"
	"strings"
)

// depGraph is the declared dependency graph of one plan. Nodes are
// resource keys; an edge A -> B means B depends on A, so A must
// terminate before B starts.
type depGraph struct {
	// order records declaration order for deterministic tie-breaks.
	order map[string]int

	// deps maps each key to the keys it depends on.
	deps map[string][]string

	// dependents maps each key to the keys that depend on it.
	dependents map[string][]string
}

// newDepGraph builds the graph from declaration-ordered keys and their
// dependency lists. Every dependency target must be a declared key;
// the planner validates that before building.
func newDepGraph(keys []string, deps map[string][]string) *depGraph {
	g := &depGraph{
		order:      make(map[string]int, len(keys)),
		deps:       make(map[string][]string, len(keys)),
		dependents: make(map[string][]string, len(keys)),
	}
	for i, key := range keys {
		g.order[key] = i
		g.deps[key] = deps[key]
	}
	for key, targets := range g.deps {
		for _, target := range targets {
			g.dependents[target] = append(g.dependents[target], key)
		}
	}
	return g
}

// detectCycle runs a depth-first search over the graph and returns one
// offending cycle path, or nil when the graph is acyclic.
func (g *depGraph) detectCycle() []string {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	keys := g.sortedKeys()
	for _, key := range keys {
		if visited[key] {
			continue
		}
		if cycle := g.walk(key, visited, inStack, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

// walk performs the DFS step for detectCycle.
func (g *depGraph) walk(key string, visited, inStack map[string]bool, path []string) []string {
	visited[key] = true
	inStack[key] = true
	path = append(path, key)

	for _, dependent := range g.dependents[key] {
		if !visited[dependent] {
			if cycle := g.walk(dependent, visited, inStack, path); cycle != nil {
				return cycle
			}
		} else if inStack[dependent] {
			// Close the loop at the first occurrence of the dependent.
			for i, k := range path {
				if k == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	inStack[key] = false
	return nil
}

// levels computes topological levels with Kahn's algorithm. Keys at the
// same level have no edges between them and may run concurrently; ties
// within a level are broken by declaration order. The graph must be
// acyclic.
func (g *depGraph) levels() [][]string {
	inDegree := make(map[string]int, len(g.order))
	for key := range g.order {
		inDegree[key] = len(g.deps[key])
	}

	current := make([]string, 0)
	for key, degree := range inDegree {
		if degree == 0 {
			current = append(current, key)
		}
	}
	g.sortByDeclaration(current)

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)

		next := make([]string, 0)
		for _, key := range current {
			for _, dependent := range g.dependents[key] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		g.sortByDeclaration(next)
		current = next
	}
	return levels
}

// reverse returns the graph with all edges flipped, used by destroy
// plans so dependents are torn down before their dependencies.
func (g *depGraph) reverse() *depGraph {
	r := &depGraph{
		order:      g.order,
		deps:       g.dependents,
		dependents: g.deps,
	}
	return r
}

func (g *depGraph) sortedKeys() []string {
	keys := make([]string, 0, len(g.order))
	for key := range g.order {
		keys = append(keys, key)
	}
	g.sortByDeclaration(keys)
	return keys
}

func (g *depGraph) sortByDeclaration(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return g.order[keys[i]] < g.order[keys[j]]
	})
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
