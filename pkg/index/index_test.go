package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/graph"
)

func TestLabelIndex(t *testing.T) {
	idx := NewLabelIndex()
	idx.Add("n1", "person")
	idx.Add("n2", "person")
	idx.Add("n2", "employee")

	assert.Equal(t, []string{"n1", "n2"}, idx.Query("person"))
	assert.Equal(t, []string{"n2"}, idx.Query("employee"))
	assert.Empty(t, idx.Query("ghost"))
	assert.Equal(t, []string{"employee", "person"}, idx.Labels("n2"))

	idx.Remove("n2")
	assert.Equal(t, []string{"n1"}, idx.Query("person"))
	assert.Empty(t, idx.Query("employee"))
	assert.Equal(t, 1, idx.Size())
}

func TestPropertyIndexEqNe(t *testing.T) {
	idx := NewPropertyIndex()
	idx.Add("n1", "name", "Alice")
	idx.Add("n2", "name", "Bob")
	idx.Add("n3", "name", "Alice")

	ids, err := idx.Query("name", OpEq, "Alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n3"}, ids)

	ids, err = idx.Query("name", OpNe, "Alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, ids)
}

func TestPropertyIndexNumericRange(t *testing.T) {
	idx := NewPropertyIndex()
	idx.Add("n1", "age", 30)
	idx.Add("n2", "age", 40)
	idx.Add("n3", "age", "not a number")

	ids, err := idx.Query("age", OpGte, 35)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, ids)

	ids, err = idx.Query("age", OpLt, 35)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)

	// Range operators apply only to numeric pairs: a non-numeric query
	// value matches nothing at all.
	ids, err = idx.Query("age", OpLt, "35x")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// int and float share a key space.
	ids, err = idx.Query("age", OpEq, 30.0)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)
}

func TestPropertyIndexContainsAndMatches(t *testing.T) {
	idx := NewPropertyIndex()
	idx.Add("n1", "email", "alice@example.com")
	idx.Add("n2", "email", "bob@test.org")

	ids, err := idx.Query("email", OpContains, "EXAMPLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)

	ids, err = idx.Query("email", OpMatches, `@test\.org$`)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, ids)

	_, err = idx.Query("email", OpMatches, "([")
	assert.Error(t, err)
}

func TestPropertyIndexReplaceAndRemove(t *testing.T) {
	idx := NewPropertyIndex()
	idx.Add("n1", "role", "engineer")
	idx.Add("n1", "role", "manager") // replaces

	ids, err := idx.Query("role", OpEq, "engineer")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.Query("role", OpEq, "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)

	idx.Remove("n1")
	assert.Nil(t, idx.Get("n1"))
	assert.Equal(t, 0, idx.Size())
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Alice Johnson works at TechCorp! x")
	assert.Equal(t, []string{"alice", "johnson", "works", "at", "techcorp"}, tokens)

	// Single-rune tokens drop out; 51-char tokens drop out.
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	assert.Empty(t, Tokenize("a "+string(long)))
}

func TestTextIndexModes(t *testing.T) {
	idx := NewTextIndex(true)
	idx.Add("d1", "the quick brown fox")
	idx.Add("d2", "the quick red dog")
	idx.Add("d3", "lazy dog sleeping")

	any, err := idx.Query("quick dog", TextAny)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, any)

	all, err := idx.Query("quick dog", TextAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, all)

	// Phrase degrades to all when the fallback is enabled.
	phrase, err := idx.Query("quick dog", TextPhrase)
	require.NoError(t, err)
	assert.Equal(t, all, phrase)
}

func TestTextIndexPhraseWithoutFallback(t *testing.T) {
	idx := NewTextIndex(false)
	idx.Add("d1", "hello world")

	_, err := idx.Query("hello world", TextPhrase)
	assert.Error(t, err)
}

func TestTextIndexIntersectionsCommute(t *testing.T) {
	idx := NewTextIndex(true)
	idx.Add("d1", "alpha beta gamma")
	idx.Add("d2", "beta gamma delta")
	idx.Add("d3", "gamma delta epsilon")

	ab, err := idx.Query("beta gamma", TextAll)
	require.NoError(t, err)
	ba, err := idx.Query("gamma beta", TextAll)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestTextIndexRemoveAndFrequency(t *testing.T) {
	idx := NewTextIndex(true)
	idx.Add("d1", "graph memory engine")
	idx.Add("d2", "graph store")

	assert.Equal(t, 2, idx.TokenFrequency("graph"))

	idx.Remove("d1")
	assert.Equal(t, 1, idx.TokenFrequency("graph"))
	assert.Equal(t, 0, idx.TokenFrequency("memory"))

	ids, err := idx.Query("memory", TextAny)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestVectorIndexDimensionLock(t *testing.T) {
	idx := NewVectorIndex(DefaultVectorConfig())

	require.NoError(t, idx.Add("v1", []float32{0.1, 0.2, 0.3, 0.4}))
	err := idx.Add("v2", []float32{0.1, 0.2, 0.3})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	// The first vector is still queryable after the failed insert.
	results, err := idx.Search(context.Background(), []float32{0.1, 0.2, 0.3, 0.4}, VectorQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestVectorIndexLinearSearch(t *testing.T) {
	idx := NewVectorIndex(DefaultVectorConfig())

	require.NoError(t, idx.Add("x", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("y", []float32{0, 1, 0}))
	require.NoError(t, idx.Add("near-x", []float32{0.9, 0.1, 0}))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, VectorQuery{Limit: 2, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "near-x", results[1].ID)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.5)
	}
}

func TestVectorIndexGraphSearch(t *testing.T) {
	cfg := DefaultVectorConfig()
	cfg.ANNMinElements = 10 // force graph mode with a small corpus
	idx := NewVectorIndex(cfg)

	// Three well-separated clusters on coordinate axes.
	axes := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	id := 0
	for c, axis := range axes {
		for i := 0; i < 8; i++ {
			vec := make([]float32, 3)
			copy(vec, axis)
			vec[(c+1)%3] = float32(i) * 0.01
			require.NoError(t, idx.Add(vecID(id), vec))
			id++
		}
	}

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, VectorQuery{Limit: 5, Threshold: 0.9})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func vecID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestVectorIndexMetrics(t *testing.T) {
	idx := NewVectorIndex(DefaultVectorConfig())
	require.NoError(t, idx.Add("v1", []float32{1, 0}))
	require.NoError(t, idx.Add("v2", []float32{0, 1}))

	for _, metric := range []Metric{MetricCosine, MetricEuclidean, MetricDot} {
		results, err := idx.Search(context.Background(), []float32{1, 0}, VectorQuery{Limit: 2, Metric: metric})
		require.NoError(t, err, string(metric))
		require.NotEmpty(t, results, string(metric))
		assert.Equal(t, "v1", results[0].ID, string(metric))
	}

	// Euclidean and dot scores live in [0, 1].
	results, err := idx.Search(context.Background(), []float32{1, 0}, VectorQuery{Limit: 2, Metric: MetricEuclidean})
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
	}

	_, err = idx.Search(context.Background(), []float32{1, 0}, VectorQuery{Metric: "hamming"})
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestVectorIndexRemoveEntryPoint(t *testing.T) {
	idx := NewVectorIndex(DefaultVectorConfig())
	require.NoError(t, idx.Add("first", []float32{1, 0}))
	require.NoError(t, idx.Add("second", []float32{0, 1}))

	idx.Remove("first") // entry point removal promotes a survivor

	results, err := idx.Search(context.Background(), []float32{0, 1}, VectorQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].ID)

	idx.Remove("second")
	assert.Equal(t, 0, idx.Size())
	// Dimension unlocks once empty.
	require.NoError(t, idx.Add("fresh", []float32{1, 2, 3}))
}

func TestPatternIndexCandidates(t *testing.T) {
	idx := NewPatternIndex()
	idx.Add(&Pattern{
		ID: "employment",
		Nodes: []PatternNode{
			{Var: "p", Type: "person"},
			{Var: "o", Type: "organization"},
		},
		Edges: []PatternEdge{{Source: "p", Target: "o", Type: "works_at"}},
	})
	idx.Add(&Pattern{
		ID:    "lone-event",
		Nodes: []PatternNode{{Var: "e", Type: "event"}},
	})

	assert.Equal(t, []string{"employment"}, idx.CandidatesForTypes([]string{"person"}, nil))
	assert.Equal(t, []string{"employment"}, idx.CandidatesForTypes(nil, []string{"works_at"}))
	assert.Equal(t, []string{"lone-event"}, idx.CandidatesForTypes([]string{"event"}, nil))

	idx.Remove("employment")
	assert.Empty(t, idx.CandidatesForTypes([]string{"person"}, nil))
}

func patternFixture() ([]*graph.Node, []*graph.Edge) {
	nodes := []*graph.Node{
		{ID: "alice", Type: "person", Properties: map[string]any{"name": "Alice"}},
		{ID: "bob", Type: "person", Properties: map[string]any{"name": "Bob"}},
		{ID: "techcorp", Type: "organization"},
	}
	edges := []*graph.Edge{
		{ID: "e1", Source: "alice", Target: "techcorp", Type: "works_at"},
		{ID: "e2", Source: "bob", Target: "techcorp", Type: "works_at"},
		{ID: "e3", Source: "alice", Target: "bob", Type: "knows"},
	}
	return nodes, edges
}

func TestMatchPattern(t *testing.T) {
	nodes, edges := patternFixture()

	pattern := &Pattern{
		ID: "employment",
		Nodes: []PatternNode{
			{Var: "p", Type: "person"},
			{Var: "o", Type: "organization"},
		},
		Edges: []PatternEdge{{Source: "p", Target: "o", Type: "works_at", Direction: PatternOut}},
	}

	matches := MatchPattern(pattern, nodes, edges)
	require.Len(t, matches, 2)

	people := map[string]bool{}
	for _, m := range matches {
		people[m.Bindings["p"]] = true
		assert.Equal(t, "techcorp", m.Bindings["o"])
		require.Len(t, m.Edges, 1)
		assert.Equal(t, "works_at", m.Edges[0].Type)
	}
	assert.True(t, people["alice"] && people["bob"])
}

func TestMatchPatternPropertySubset(t *testing.T) {
	nodes, edges := patternFixture()

	pattern := &Pattern{
		ID:    "named-alice",
		Nodes: []PatternNode{{Var: "p", Type: "person", Properties: map[string]any{"name": "Alice"}}},
	}
	matches := MatchPattern(pattern, nodes, edges)
	require.Len(t, matches, 1)
	assert.Equal(t, "alice", matches[0].Bindings["p"])
}

func TestMatchPatternDirection(t *testing.T) {
	nodes, edges := patternFixture()

	in := &Pattern{
		ID: "employer",
		Nodes: []PatternNode{
			{Var: "o", Type: "organization"},
			{Var: "p", Type: "person"},
		},
		Edges: []PatternEdge{{Source: "o", Target: "p", Type: "works_at", Direction: PatternIn}},
	}
	assert.Len(t, MatchPattern(in, nodes, edges), 2)

	// No works_at edge leaves the organization.
	out := &Pattern{
		ID: "employer-out",
		Nodes: []PatternNode{
			{Var: "o", Type: "organization"},
			{Var: "p", Type: "person"},
		},
		Edges: []PatternEdge{{Source: "o", Target: "p", Type: "works_at", Direction: PatternOut}},
	}
	assert.Empty(t, MatchPattern(out, nodes, edges))

	undirected := &Pattern{
		ID: "colleagues",
		Nodes: []PatternNode{
			{Var: "a", Type: "person"},
			{Var: "b", Type: "person"},
		},
		Edges: []PatternEdge{{Source: "a", Target: "b", Type: "knows", Direction: PatternUndirected}},
	}
	// alice-bob in both variable orders
	assert.Len(t, MatchPattern(undirected, nodes, edges), 2)
}
