package depgraph

import (
	"sort"
	"strings"
)

// DFS colors for cycle detection.
const (
	unvisited = iota
	inProgress
	done
)

// detectCycles finds import cycles with a three-state depth-first traversal.
// Each back-edge to an in-progress node yields one cycle: the path segment
// from the back-edge target through to its source. Cycles are de-duplicated
// by canonical rotation so equivalent rotations report once. External edges
// never participate. Runs in O(nodes+edges) per root pass: a node finished
// in one pass is never re-expanded.
func detectCycles(nodes []string, edges []Edge) [][]string {
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if e.External || e.From == "" || e.To == "" {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}
	for from := range adj {
		sort.Strings(adj[from])
	}

	color := make(map[string]int, len(nodes))
	onPath := make(map[string]int, len(nodes)) // node -> index in path
	var path []string
	seen := make(map[string]struct{})
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		color[node] = inProgress
		onPath[node] = len(path)
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case unvisited:
				visit(next)
			case inProgress:
				// Back edge: the cycle is path[start..] ending at node.
				start := onPath[next]
				cycle := append([]string(nil), path[start:]...)
				canon := canonicalRotation(cycle)
				key := strings.Join(canon, "\x00")
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, canon)
				}
			}
		}

		path = path[:len(path)-1]
		delete(onPath, node)
		color[node] = done
	}

	for _, node := range nodes {
		if color[node] == unvisited {
			visit(node)
		}
	}
	return cycles
}

// canonicalRotation rotates a cycle so its lexicographically smallest member
// comes first, giving every rotation of the same cycle one representation.
func canonicalRotation(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, n := range cycle {
		if n < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	rotated = append(rotated, cycle[:minIdx]...)
	return rotated
}
