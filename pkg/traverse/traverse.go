// Package traverse provides graph traversal over the Muninn graph store.
//
// The package implements breadth-first and depth-first walks with depth,
// node-count, direction, relation-type, and predicate bounds, plus
// bidirectional shortest-path search and bounded simple-path enumeration.
//
// Every traversal reads the store through its snapshot accessors, so results
// are stable copies and traversals never block writers for longer than one
// neighbor expansion.
//
// Example Usage:
//
//	result, err := traverse.BFS(store, "alice", traverse.Config{
//		MaxDepth:         3,
//		MaxNodes:         100,
//		Direction:        graph.DirectionOut,
//		RelationTypes:    []string{"parent_child"},
//		IncludeStartNode: true,
//	})
//
//	path := result.PathTo("grandchild") // reconstructed from parent pointers
package traverse

import (
	"errors"

	"github.com/orneryd/muninn/pkg/graph"
)

// ErrStartNotFound is returned when the start (or target) node is absent.
var ErrStartNotFound = errors.New("traverse: start node not found")

// Config bounds a BFS or DFS walk. Zero MaxDepth or MaxNodes means the
// default bound (depth 10, 10000 nodes), never unlimited.
type Config struct {
	MaxDepth         int
	MaxNodes         int
	Direction        graph.Direction // out, in, or both (default both)
	RelationTypes    []string        // empty = all relation types
	NodeFilter       func(*graph.Node) bool
	EdgeFilter       func(*graph.Edge) bool
	IncludeStartNode bool
}

func (c *Config) applyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 10000
	}
	if c.Direction == "" {
		c.Direction = graph.DirectionBoth
	}
}

// Result holds the outcome of a BFS or DFS walk.
type Result struct {
	// Nodes visited, in visit order.
	Nodes []*graph.Node

	// Edges traversed to reach the visited nodes.
	Edges []*graph.Edge

	// Parents maps each visited node id to its predecessor on the walk.
	// The start node has no entry. PathTo reconstructs shortest paths
	// (for BFS) from this map.
	Parents map[string]string

	// Depths maps each visited node id to its hop distance from start.
	Depths map[string]int

	startID string
}

// PathTo reconstructs the path from the walk's start node to nodeID using
// the parent-pointer map. Returns nil when nodeID was not visited. The path
// to the start node itself is [start].
func (r *Result) PathTo(nodeID string) []string {
	if nodeID == r.startID {
		return []string{r.startID}
	}
	if _, ok := r.Parents[nodeID]; !ok {
		return nil
	}

	var reversed []string
	current := nodeID
	for current != r.startID {
		reversed = append(reversed, current)
		parent, ok := r.Parents[current]
		if !ok {
			return nil
		}
		current = parent
	}
	reversed = append(reversed, r.startID)

	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}

// Contains reports whether the walk visited nodeID.
func (r *Result) Contains(nodeID string) bool {
	if nodeID == r.startID {
		_, ok := r.Depths[nodeID]
		return ok
	}
	_, ok := r.Depths[nodeID]
	return ok
}

// expansion is one (node, edge) step available from a frontier node.
type expansion struct {
	nodeID string
	edge   *graph.Edge
}

// expand lists the neighbor steps from nodeID honoring direction, relation
// types, and the edge filter.
func expand(store *graph.Store, nodeID string, cfg *Config) []expansion {
	neighbors, err := store.GetNeighbors(nodeID, cfg.RelationTypes...)
	if err != nil {
		return nil
	}

	var steps []expansion
	for _, n := range neighbors {
		switch cfg.Direction {
		case graph.DirectionOut:
			if n.Direction != graph.DirectionOut {
				continue
			}
		case graph.DirectionIn:
			if n.Direction != graph.DirectionIn {
				continue
			}
		}
		if cfg.EdgeFilter != nil && !cfg.EdgeFilter(n.Edge) {
			continue
		}
		steps = append(steps, expansion{nodeID: n.Node.ID, edge: n.Edge})
	}
	return steps
}

// BFS walks the graph breadth-first from startID. The returned parent map
// yields shortest paths (in hops) to every visited node.
func BFS(store *graph.Store, startID string, cfg Config) (*Result, error) {
	cfg.applyDefaults()

	start, err := store.GetNode(startID)
	if err != nil {
		return nil, ErrStartNotFound
	}
	if cfg.NodeFilter != nil && !cfg.NodeFilter(start) {
		return &Result{Parents: map[string]string{}, Depths: map[string]int{}, startID: startID}, nil
	}

	result := &Result{
		Parents: make(map[string]string),
		Depths:  map[string]int{startID: 0},
		startID: startID,
	}
	if cfg.IncludeStartNode {
		result.Nodes = append(result.Nodes, start)
	}

	visited := map[string]struct{}{startID: {}}
	queue := []string{startID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		depth := result.Depths[current]
		if depth >= cfg.MaxDepth {
			continue
		}

		for _, step := range expand(store, current, &cfg) {
			if _, seen := visited[step.nodeID]; seen {
				continue
			}
			if len(visited) >= cfg.MaxNodes {
				return result, nil
			}

			node, err := store.GetNode(step.nodeID)
			if err != nil {
				continue
			}
			if cfg.NodeFilter != nil && !cfg.NodeFilter(node) {
				continue
			}

			visited[step.nodeID] = struct{}{}
			result.Parents[step.nodeID] = current
			result.Depths[step.nodeID] = depth + 1
			result.Nodes = append(result.Nodes, node)
			result.Edges = append(result.Edges, step.edge)
			queue = append(queue, step.nodeID)
		}
	}

	return result, nil
}

// DFS walks the graph depth-first from startID. The visited set matches BFS
// up to ordering; parent pointers reflect the depth-first tree.
func DFS(store *graph.Store, startID string, cfg Config) (*Result, error) {
	cfg.applyDefaults()

	start, err := store.GetNode(startID)
	if err != nil {
		return nil, ErrStartNotFound
	}
	if cfg.NodeFilter != nil && !cfg.NodeFilter(start) {
		return &Result{Parents: map[string]string{}, Depths: map[string]int{}, startID: startID}, nil
	}

	result := &Result{
		Parents: make(map[string]string),
		Depths:  map[string]int{startID: 0},
		startID: startID,
	}
	if cfg.IncludeStartNode {
		result.Nodes = append(result.Nodes, start)
	}

	visited := map[string]struct{}{startID: {}}

	type frame struct {
		nodeID string
		depth  int
	}
	stack := []frame{{nodeID: startID, depth: 0}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.depth >= cfg.MaxDepth {
			continue
		}

		steps := expand(store, top.nodeID, &cfg)
		// Push in reverse so the first neighbor is explored first.
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			if _, seen := visited[step.nodeID]; seen {
				continue
			}
			if len(visited) >= cfg.MaxNodes {
				return result, nil
			}

			node, err := store.GetNode(step.nodeID)
			if err != nil {
				continue
			}
			if cfg.NodeFilter != nil && !cfg.NodeFilter(node) {
				continue
			}

			visited[step.nodeID] = struct{}{}
			result.Parents[step.nodeID] = top.nodeID
			result.Depths[step.nodeID] = top.depth + 1
			result.Nodes = append(result.Nodes, node)
			result.Edges = append(result.Edges, step.edge)
			stack = append(stack, frame{nodeID: step.nodeID, depth: top.depth + 1})
		}
	}

	return result, nil
}
