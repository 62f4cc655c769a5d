package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/math/vector"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHash(128)

	a1, err := h.Embed(context.Background(), "graph memory engine")
	require.NoError(t, err)
	a2, err := h.Embed(context.Background(), "graph memory engine")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 128)
	assert.InDelta(t, 1.0, vector.Magnitude(a1), 1e-5)
}

func TestHashEmbedderSimilarityStructure(t *testing.T) {
	h := NewHash(256)
	ctx := context.Background()

	base, _ := h.Embed(ctx, "alice works at techcorp")
	overlap, _ := h.Embed(ctx, "alice works at datalabs")
	unrelated, _ := h.Embed(ctx, "quantum flux chromodynamics spectroscopy")

	assert.Greater(t, vector.Cosine(base, overlap), vector.Cosine(base, unrelated),
		"token overlap should yield higher cosine similarity")
}

func TestHashEmbedderEmptyText(t *testing.T) {
	h := NewHash(64)
	vec, err := h.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestHashEmbedderBatch(t *testing.T) {
	h := NewHash(64)
	vecs, err := h.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, _ := h.Embed(context.Background(), "one")
	assert.Equal(t, single, vecs[0])
}

func TestNewEmbedderFactory(t *testing.T) {
	e, err := NewEmbedder(nil)
	require.NoError(t, err)
	assert.Equal(t, 256, e.Dimensions())

	e, err = NewEmbedder(&Config{Provider: "hash", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimensions())

	_, err = NewEmbedder(&Config{Provider: "openai"})
	assert.Error(t, err, "openai without key must fail")

	_, err = NewEmbedder(&Config{Provider: "martian"})
	assert.Error(t, err)
}

func TestCachedEmbedder(t *testing.T) {
	cached := NewCached(NewHash(64), 2)
	ctx := context.Background()

	v1, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	hits, misses := cached.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	// Fill beyond capacity; "alpha" falls out.
	_, _ = cached.Embed(ctx, "beta")
	_, _ = cached.Embed(ctx, "gamma")
	_, _ = cached.Embed(ctx, "alpha")

	_, misses = cached.Stats()
	assert.Equal(t, uint64(4), misses)
}

func TestCachedReturnsCopies(t *testing.T) {
	cached := NewCached(NewHash(8), 10)
	ctx := context.Background()

	v1, _ := cached.Embed(ctx, "mutate me")
	v1[0] = 999
	v2, _ := cached.Embed(ctx, "mutate me")
	assert.NotEqual(t, float32(999), v2[0])
}

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer server.Close()

	e := NewOllama(&Config{Provider: "ollama", APIURL: server.URL, Model: "test-model", Dimensions: 3})
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.InDelta(t, 0.1, vec[0], 1e-6)
}

func TestOllamaEmbedderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	e := NewOllama(&Config{Provider: "ollama", APIURL: server.URL})
	_, err := e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIEmbedderBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"embedding":[1,0],"index":0},{"embedding":[0,1],"index":1}]}`))
	}))
	defer server.Close()

	e := NewOpenAI(&Config{Provider: "openai", APIURL: server.URL, APIKey: "test-key", Dimensions: 2})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][1])
}
