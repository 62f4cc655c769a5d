package traverse

import (
	"github.com/orneryd/muninn/pkg/graph"
)

// ShortestPath finds the shortest path between start and target using
// bidirectional BFS, expanding the smaller frontier each round. Returns the
// node-id path and the hop distance, or (nil, -1) when target is not
// reachable within maxDepth hops from either side. start == target yields
// ([start], 0).
//
// Both directions of each edge are traversable; the hop distance equals the
// BFS distance with Direction "both".
func ShortestPath(store *graph.Store, startID, targetID string, maxDepth int) ([]string, int) {
	if !store.HasNode(startID) || !store.HasNode(targetID) {
		return nil, -1
	}
	if startID == targetID {
		return []string{startID}, 0
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}

	cfg := Config{Direction: graph.DirectionBoth}

	// parentsFwd chains toward start, parentsBwd toward target.
	parentsFwd := map[string]string{}
	parentsBwd := map[string]string{}
	visitedFwd := map[string]int{startID: 0}
	visitedBwd := map[string]int{targetID: 0}
	frontierFwd := []string{startID}
	frontierBwd := []string{targetID}

	buildPath := func(meet string) []string {
		var head []string // start ... meet
		current := meet
		for {
			head = append([]string{current}, head...)
			parent, ok := parentsFwd[current]
			if !ok {
				break
			}
			current = parent
		}

		current = meet
		for {
			parent, ok := parentsBwd[current]
			if !ok {
				break
			}
			head = append(head, parent)
			current = parent
		}
		return head
	}

	depthFwd, depthBwd := 0, 0
	for len(frontierFwd) > 0 && len(frontierBwd) > 0 {
		if depthFwd >= maxDepth && depthBwd >= maxDepth {
			break
		}

		// Expand the smaller frontier; on ties expand forward.
		expandForward := len(frontierFwd) <= len(frontierBwd)
		if depthFwd >= maxDepth {
			expandForward = false
		} else if depthBwd >= maxDepth {
			expandForward = true
		}

		var (
			frontier *[]string
			visited  map[string]int
			other    map[string]int
			parents  map[string]string
			depth    *int
		)
		if expandForward {
			frontier, visited, other, parents, depth = &frontierFwd, visitedFwd, visitedBwd, parentsFwd, &depthFwd
		} else {
			frontier, visited, other, parents, depth = &frontierBwd, visitedBwd, visitedFwd, parentsBwd, &depthBwd
		}

		var next []string
		for _, nodeID := range *frontier {
			for _, step := range expand(store, nodeID, &cfg) {
				if _, seen := visited[step.nodeID]; seen {
					continue
				}
				visited[step.nodeID] = *depth + 1
				parents[step.nodeID] = nodeID

				if _, met := other[step.nodeID]; met {
					path := buildPath(step.nodeID)
					return path, len(path) - 1
				}
				next = append(next, step.nodeID)
			}
		}
		*frontier = next
		*depth++
	}

	return nil, -1
}

// AllPaths enumerates simple paths (no repeated vertices) from start to
// target, each at most maxDepth hops long, stopping once maxPaths paths have
// been collected. Cycles cannot cause non-termination because membership is
// checked against the current partial path.
func AllPaths(store *graph.Store, startID, targetID string, maxDepth, maxPaths int) [][]string {
	if !store.HasNode(startID) || !store.HasNode(targetID) {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if maxPaths <= 0 {
		maxPaths = 100
	}

	cfg := Config{Direction: graph.DirectionBoth}

	var paths [][]string
	onPath := map[string]struct{}{startID: {}}
	current := []string{startID}

	var walk func(nodeID string)
	walk = func(nodeID string) {
		if len(paths) >= maxPaths {
			return
		}
		if nodeID == targetID {
			path := make([]string, len(current))
			copy(path, current)
			paths = append(paths, path)
			return
		}
		if len(current)-1 >= maxDepth {
			return
		}

		for _, step := range expand(store, nodeID, &cfg) {
			if _, busy := onPath[step.nodeID]; busy {
				continue
			}
			onPath[step.nodeID] = struct{}{}
			current = append(current, step.nodeID)

			walk(step.nodeID)

			current = current[:len(current)-1]
			delete(onPath, step.nodeID)

			if len(paths) >= maxPaths {
				return
			}
		}
	}

	walk(startID)
	return paths
}
