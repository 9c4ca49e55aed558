package workflow

import (
	"maps"
	"slices"
)

// IsValidConnection reports whether the edge source→target can be added to
// edges while keeping the graph acyclic. Self-loops are always rejected.
// Duplicate edges are not this function's concern.
//
// It keeps no state between calls and is safe for concurrent use.
func IsValidConnection(edges []Edge, source, target string) bool {
	if source == target {
		return false
	}

	adj := adjacency(edges)
	adj[source] = append(adj[source], target)

	roots := endpoints(edges)
	roots[source] = struct{}{}
	roots[target] = struct{}{}

	return !hasCycle(adj, slices.Sorted(maps.Keys(roots)))
}

// DetectCycle reports whether edges already contain a cycle.
func DetectCycle(edges []Edge) bool {
	return hasCycle(adjacency(edges), slices.Sorted(maps.Keys(endpoints(edges))))
}

func adjacency(edges []Edge) map[string][]string {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

func endpoints(edges []Edge) map[string]struct{} {
	set := make(map[string]struct{}, len(edges)*2)
	for _, e := range edges {
		set[e.Source] = struct{}{}
		set[e.Target] = struct{}{}
	}
	return set
}

// hasCycle runs an iterative depth-first search from every root. A node is
// onStack while it is on the current path and visited once reached; reaching
// an onStack node again is a back edge.
func hasCycle(adj map[string][]string, roots []string) bool {
	type frame struct {
		id   string
		next int
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, root := range roots {
		if visited[root] {
			continue
		}
		visited[root] = true
		onStack[root] = true
		stack := []frame{{id: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			neighbours := adj[top.id]
			if top.next == len(neighbours) {
				onStack[top.id] = false
				stack = stack[:len(stack)-1]
				continue
			}

			n := neighbours[top.next]
			top.next++
			if onStack[n] {
				return true
			}
			if visited[n] {
				continue
			}
			visited[n] = true
			onStack[n] = true
			stack = append(stack, frame{id: n})
		}
	}
	return false
}
