package depgraph

import (
	"sort"
	"sync"
)

// Edge is one resolved or external import relationship.
type Edge struct {
	From      string `json:"from"`
	Specifier string `json:"specifier"`
	To        string `json:"to"` // resolved file path, or External
	Kind      string `json:"kind"`
	External  bool   `json:"external"`
}

type edgeKey struct {
	from      string
	specifier string
	to        string
	kind      string
}

// Graph accumulates analyzed files and their import edges. Append-mostly:
// files and edges are added as analysis progresses, re-adding is a no-op.
// Safe for concurrent use; Snapshot gives traversals a consistent view.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]struct{}
	edges map[edgeKey]Edge
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		edges: make(map[edgeKey]Edge),
	}
}

// AddNode records a file as part of the graph.
func (g *Graph) AddNode(path string) {
	g.mu.Lock()
	g.nodes[path] = struct{}{}
	g.mu.Unlock()
}

// AddEdge records one import relationship. Both endpoints become nodes
// (external targets are kept as the External sentinel, not as nodes).
// Re-adding an identical edge is a no-op.
func (g *Graph) AddEdge(e Edge) {
	if e.External {
		e.To = External
	}
	key := edgeKey{from: e.From, specifier: e.Specifier, to: e.To, kind: e.Kind}
	g.mu.Lock()
	g.nodes[e.From] = struct{}{}
	if !e.External {
		g.nodes[e.To] = struct{}{}
	}
	g.edges[key] = e
	g.mu.Unlock()
}

// RemoveFile drops a file's node and every edge originating from it.
// Edges pointing at the file are kept; their target remains a known node
// only if another edge or AddNode call still references it.
func (g *Graph) RemoveFile(path string) {
	g.mu.Lock()
	delete(g.nodes, path)
	for key := range g.edges {
		if key.from == path {
			delete(g.edges, key)
		}
	}
	g.mu.Unlock()
}

// Snapshot is a consistent copy of the graph plus its cycles.
type Snapshot struct {
	Nodes  []string   `json:"nodes"`
	Edges  []Edge     `json:"edges"`
	Cycles [][]string `json:"cycles"`
}

// Snapshot copies the graph under the read lock and runs cycle detection on
// the copy, so a traversal never observes a graph mutating mid-pass.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e)
	}
	g.mu.RUnlock()

	sort.Strings(nodes)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].Specifier < edges[j].Specifier
	})

	return &Snapshot{
		Nodes:  nodes,
		Edges:  edges,
		Cycles: detectCycles(nodes, edges),
	}
}

// Counts returns the current node and edge totals.
func (g *Graph) Counts() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}
