package embed

import (
	"container/list"
	"context"
	"sync"
)

// Cached wraps an Embedder with an LRU cache keyed by the exact text.
// Repeated ingests of the same utterances (retries, idempotent re-adds)
// skip the provider round-trip entirely.
type Cached struct {
	inner Embedder

	mu      sync.Mutex
	cap     int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // text -> element holding cachedVec
	hits    uint64
	misses  uint64
}

type cachedVec struct {
	text string
	vec  []float32
}

// NewCached wraps inner with an LRU of the given capacity.
func NewCached(inner Embedder, capacity int) *Cached {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cached{
		inner:   inner,
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if el, ok := c.entries[text]; ok {
		c.order.MoveToFront(el)
		c.hits++
		vec := el.Value.(cachedVec).vec
		c.mu.Unlock()
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, raced := c.entries[text]; !raced {
		c.entries[text] = c.order.PushFront(cachedVec{text: text, vec: vec})
		for c.order.Len() > c.cap {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(cachedVec).text)
		}
	}
	c.mu.Unlock()

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// EmbedBatch implements Embedder, consulting the cache per text.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Model implements Embedder.
func (c *Cached) Model() string { return c.inner.Model() }

// Stats returns cache hits and misses since creation.
func (c *Cached) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
