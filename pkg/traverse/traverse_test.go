package traverse

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/graph"
)

// buildGraph assembles the fixture used across the traversal tests:
//
//	A -> B (parent_child)
//	A -> C (parent_child)
//	B -> D (sibling)
//	C -> E (sibling)
//	D -> E (connects)
//	E -> F (parent_child)
//	E -> G (parent_child)
func buildGraph(t *testing.T) *graph.Store {
	t.Helper()
	store := graph.NewStore(graph.DefaultStoreConfig())

	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		require.NoError(t, store.AddNode(&graph.Node{ID: id, Type: "concept"}))
	}
	edges := []struct {
		src, dst, typ string
	}{
		{"A", "B", "parent_child"},
		{"A", "C", "parent_child"},
		{"B", "D", "sibling"},
		{"C", "E", "sibling"},
		{"D", "E", "connects"},
		{"E", "F", "parent_child"},
		{"E", "G", "parent_child"},
	}
	for i, e := range edges {
		require.NoError(t, store.AddEdge(&graph.Edge{
			ID: fmt.Sprintf("e%d", i), Source: e.src, Target: e.dst, Type: e.typ, Weight: 1,
		}))
	}
	return store
}

func visitedIDs(r *Result) map[string]bool {
	ids := map[string]bool{}
	for _, n := range r.Nodes {
		ids[n.ID] = true
	}
	return ids
}

func TestBFSRelationTypeFilter(t *testing.T) {
	store := buildGraph(t)

	// With only parent_child edges traversable, E is unreachable, so F and G
	// stay out of reach as well.
	result, err := BFS(store, "A", Config{
		MaxDepth:         3,
		Direction:        graph.DirectionOut,
		RelationTypes:    []string{"parent_child"},
		IncludeStartNode: true,
	})
	require.NoError(t, err)

	ids := visitedIDs(result)
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true}, ids)
}

func TestBFSIncludeStartNode(t *testing.T) {
	store := buildGraph(t)

	with, err := BFS(store, "A", Config{MaxDepth: 1, IncludeStartNode: true})
	require.NoError(t, err)
	without, err := BFS(store, "A", Config{MaxDepth: 1, IncludeStartNode: false})
	require.NoError(t, err)

	assert.True(t, visitedIDs(with)["A"])
	assert.False(t, visitedIDs(without)["A"])
}

func TestBFSParentPointers(t *testing.T) {
	store := buildGraph(t)

	result, err := BFS(store, "A", Config{MaxDepth: 5, Direction: graph.DirectionOut, IncludeStartNode: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, result.PathTo("A"))

	pathF := result.PathTo("F")
	require.NotNil(t, pathF)
	assert.Equal(t, "A", pathF[0])
	assert.Equal(t, "F", pathF[len(pathF)-1])
	// A->C->E->F is the shortest route to F.
	assert.Len(t, pathF, 4)

	assert.Nil(t, result.PathTo("nope"))
}

func TestBFSMaxNodes(t *testing.T) {
	store := buildGraph(t)

	result, err := BFS(store, "A", Config{MaxDepth: 5, MaxNodes: 3, IncludeStartNode: true})
	require.NoError(t, err)
	// start + at most 2 more before the bound trips
	assert.LessOrEqual(t, len(result.Nodes), 3)
}

func TestBFSNodePredicate(t *testing.T) {
	store := buildGraph(t)

	result, err := BFS(store, "A", Config{
		MaxDepth:         5,
		Direction:        graph.DirectionOut,
		IncludeStartNode: true,
		NodeFilter: func(n *graph.Node) bool {
			return n.ID != "E" // E blocks the walk toward F and G
		},
	})
	require.NoError(t, err)

	ids := visitedIDs(result)
	assert.False(t, ids["E"])
	assert.False(t, ids["F"])
	assert.False(t, ids["G"])
}

func TestBFSStartNotFound(t *testing.T) {
	store := buildGraph(t)
	_, err := BFS(store, "missing", Config{})
	assert.ErrorIs(t, err, ErrStartNotFound)
}

func TestDFSVisitsSameSet(t *testing.T) {
	store := buildGraph(t)

	bfs, err := BFS(store, "A", Config{MaxDepth: 6, Direction: graph.DirectionOut, IncludeStartNode: true})
	require.NoError(t, err)
	dfs, err := DFS(store, "A", Config{MaxDepth: 6, Direction: graph.DirectionOut, IncludeStartNode: true})
	require.NoError(t, err)

	assert.Equal(t, visitedIDs(bfs), visitedIDs(dfs))
}

func TestShortestPath(t *testing.T) {
	store := buildGraph(t)

	path, dist := ShortestPath(store, "A", "F", 6)
	require.NotNil(t, path)
	assert.Equal(t, 3, dist)
	assert.Equal(t, "A", path[0])
	assert.Equal(t, "F", path[len(path)-1])

	// Distance must agree with plain BFS depth.
	bfs, err := BFS(store, "A", Config{MaxDepth: 6, IncludeStartNode: true})
	require.NoError(t, err)
	assert.Equal(t, bfs.Depths["F"], dist)
}

func TestShortestPathSameNode(t *testing.T) {
	store := buildGraph(t)
	path, dist := ShortestPath(store, "A", "A", 3)
	assert.Equal(t, []string{"A"}, path)
	assert.Equal(t, 0, dist)
}

func TestShortestPathUnreachable(t *testing.T) {
	store := buildGraph(t)
	require.NoError(t, store.AddNode(&graph.Node{ID: "island", Type: "concept"}))

	path, dist := ShortestPath(store, "A", "island", 5)
	assert.Nil(t, path)
	assert.Equal(t, -1, dist)

	path, dist = ShortestPath(store, "A", "ghost", 5)
	assert.Nil(t, path)
	assert.Equal(t, -1, dist)
}

func TestAllPaths(t *testing.T) {
	store := buildGraph(t)

	paths := AllPaths(store, "A", "E", 4, 10)
	require.NotEmpty(t, paths)

	seen := map[string]bool{}
	for _, p := range paths {
		assert.Equal(t, "A", p[0])
		assert.Equal(t, "E", p[len(p)-1])
		// Simple path: no repeated vertices.
		inPath := map[string]bool{}
		for _, id := range p {
			assert.False(t, inPath[id], "vertex repeated in path %v", p)
			inPath[id] = true
		}
		seen[fmt.Sprint(p)] = true
	}
	// A->C->E and A->B->D->E at minimum.
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestAllPathsBound(t *testing.T) {
	store := buildGraph(t)
	paths := AllPaths(store, "A", "E", 6, 1)
	assert.Len(t, paths, 1)
}

func TestAllPathsCycleTermination(t *testing.T) {
	store := graph.NewStore(graph.DefaultStoreConfig())
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, store.AddNode(&graph.Node{ID: id, Type: "concept"}))
	}
	// Triangle cycle.
	require.NoError(t, store.AddEdge(&graph.Edge{ID: "xy", Source: "x", Target: "y", Type: "loop"}))
	require.NoError(t, store.AddEdge(&graph.Edge{ID: "yz", Source: "y", Target: "z", Type: "loop"}))
	require.NoError(t, store.AddEdge(&graph.Edge{ID: "zx", Source: "z", Target: "x", Type: "loop"}))

	paths := AllPaths(store, "x", "z", 10, 100)
	assert.NotEmpty(t, paths)
	for _, p := range paths {
		assert.LessOrEqual(t, len(p), 4)
	}
}
