package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// HashEmbedder produces deterministic embeddings from token hashes: each
// token adds weight to a handful of dimensions chosen by its FNV hash, and
// the sum is normalized. Texts sharing vocabulary end up cosine-similar.
//
// This is not a semantic model. It exists so the engine, its tests, and
// offline deployments have a vectorizer with zero external dependencies,
// stable output, and real geometric structure.
type HashEmbedder struct {
	dims int
}

// NewHash creates a deterministic embedder with the given dimension.
func NewHash(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return vec, nil
	}

	for _, token := range tokens {
		hash := fnv.New64a()
		hash.Write([]byte(token))
		seed := hash.Sum64()

		// Spread each token over three dimensions with alternating signs
		// so different vocabularies land in distinct directions.
		for i := 0; i < 3; i++ {
			idx := int((seed >> (i * 16)) % uint64(h.dims))
			sign := float32(1)
			if (seed>>(i*16+1))&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}

	vector.NormalizeInPlace(vec)
	return vec, nil
}

// EmbedBatch implements Embedder.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Model implements Embedder.
func (h *HashEmbedder) Model() string { return "hash-fnv" }
