package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice Johnson", "alice johnson"},
		{"  ALICE   JOHNSON  ", "alice johnson"},
		{"O'Brien, Pat!", "obrien pat"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in))
	}
}

func TestResolveExactName(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "e1", Name: "Alice Johnson", Type: "person"},
		{ID: "e2", Name: "Bob Smith", Type: "person"},
	}
	match := r.Resolve(&Entity{ID: "new", Name: "alice johnson!", Type: "person"}, pool)
	require.NotNil(t, match)
	assert.Equal(t, "e1", match.Entity.ID)
	assert.Equal(t, 1.0, match.Confidence)
	assert.Equal(t, "exact_name", match.Method)
}

func TestResolveExactProperty(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "e1", Name: "A. Johnson", Type: "person", Properties: map[string]any{"email": "alice@example.com"}},
	}
	candidate := &Entity{
		ID: "new", Name: "completely different", Type: "person",
		Properties: map[string]any{"email": "ALICE@example.com"},
	}
	match := r.Resolve(candidate, pool)
	require.NotNil(t, match)
	assert.Equal(t, "exact_property", match.Method)
	assert.Equal(t, 1.0, match.Confidence)
}

func TestResolveTypeGate(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "org", Name: "Alice Johnson", Type: "organization"},
	}
	match := r.Resolve(&Entity{ID: "new", Name: "Alice Johnson", Type: "person"}, pool)
	assert.Nil(t, match, "cross-type candidates must never match")
}

func TestResolveFuzzy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.75
	r := NewResolver(cfg)

	pool := []*Entity{
		{ID: "e1", Name: "Alice Johnson", Type: "person"},
		{ID: "e2", Name: "Zebulon Quartz", Type: "person"},
	}
	match := r.Resolve(&Entity{ID: "new", Name: "Alice Jonson", Type: "person"}, pool)
	require.NotNil(t, match)
	assert.Equal(t, "e1", match.Entity.ID)
	assert.Equal(t, "composite", match.Method)
	assert.Greater(t, match.Confidence, 0.75)
	assert.Less(t, match.Confidence, 1.0)
}

func TestResolveBelowThreshold(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "e1", Name: "Quantum Flux Capacitor", Type: "concept"},
	}
	match := r.Resolve(&Entity{ID: "new", Name: "Banana Bread", Type: "concept"}, pool)
	assert.Nil(t, match)
}

func TestResolveEmbeddingSignal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.7
	r := NewResolver(cfg)

	withEmb := &Entity{ID: "e1", Name: "ACME Corp", Type: "organization", Embedding: []float32{1, 0, 0}}
	pool := []*Entity{withEmb}

	near := &Entity{ID: "new", Name: "ACME Corporation", Type: "organization", Embedding: []float32{0.95, 0.05, 0}}
	far := &Entity{ID: "new2", Name: "ACME Corporation", Type: "organization", Embedding: []float32{0, 1, 0}}

	nearMatch := r.Resolve(near, pool)
	farMatch := r.Resolve(far, pool)
	require.NotNil(t, nearMatch)
	if farMatch != nil {
		assert.Greater(t, nearMatch.Confidence, farMatch.Confidence)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "e1", Name: "Alice Johnson", Type: "person"},
		{ID: "e2", Name: "Alice Johnsen", Type: "person"},
	}
	candidate := &Entity{ID: "new", Name: "Alice Jonson", Type: "person"}

	first := r.Resolve(candidate, pool)
	second := r.Resolve(candidate, pool)
	if first == nil {
		assert.Nil(t, second)
	} else {
		require.NotNil(t, second)
		assert.Equal(t, first.Entity.ID, second.Entity.ID)
		assert.Equal(t, first.Confidence, second.Confidence)
	}
}

func TestResolveBatch(t *testing.T) {
	r := NewResolver(DefaultConfig())

	pool := []*Entity{
		{ID: "p1", Name: "Alice Johnson", Type: "person"},
		{ID: "o1", Name: "TechCorp", Type: "organization"},
	}
	candidates := []*Entity{
		{ID: "c1", Name: "Alice Johnson", Type: "person"},
		{ID: "c2", Name: "TechCorp", Type: "organization"},
		{ID: "c3", Name: "Nobody Here", Type: "person"},
	}

	matches := r.ResolveBatch(candidates, pool)
	require.Contains(t, matches, "c1")
	require.Contains(t, matches, "c2")
	assert.NotContains(t, matches, "c3")
	assert.Equal(t, "p1", matches["c1"].Entity.ID)
	assert.Equal(t, "o1", matches["c2"].Entity.ID)
}

func TestResolveSkipsSelf(t *testing.T) {
	r := NewResolver(DefaultConfig())
	e := &Entity{ID: "e1", Name: "Alice", Type: "person"}
	assert.Nil(t, r.Resolve(e, []*Entity{e}))
}
