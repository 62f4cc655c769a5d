package index

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// Errors returned by the vector index.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnknownMetric     = errors.New("unknown distance metric")
)

// Metric selects the similarity used to score query results.
// Graph navigation always uses cosine over normalized vectors; the metric
// only affects the final scores.
type Metric string

const (
	// MetricCosine scores by cosine similarity in [-1, 1].
	MetricCosine Metric = "cosine"

	// MetricEuclidean scores by 1/(1+d) where d is L2 distance.
	MetricEuclidean Metric = "euclidean"

	// MetricDot scores by dot product rescaled into [0, 1].
	MetricDot Metric = "dot"
)

// VectorConfig tunes the index. Zero values take the defaults.
type VectorConfig struct {
	// MaxConnections bounds each vector's adjacency set (default 16).
	MaxConnections int

	// EfConstruction is the beam width used while inserting (default 200).
	EfConstruction int

	// EfSearch is the beam width used while querying (default 50).
	EfSearch int

	// ANNMinElements is the element count below which queries fall back to
	// an exact linear scan (default 100).
	ANNMinElements int
}

// DefaultVectorConfig returns the documented defaults.
func DefaultVectorConfig() VectorConfig {
	return VectorConfig{
		MaxConnections: 16,
		EfConstruction: 200,
		EfSearch:       50,
		ANNMinElements: 100,
	}
}

func (c *VectorConfig) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.ANNMinElements <= 0 {
		c.ANNMinElements = 100
	}
}

// VectorResult is one scored query hit.
type VectorResult struct {
	ID         string
	Similarity float64
}

// VectorQuery bounds a search.
type VectorQuery struct {
	Limit     int
	Threshold float64
	Metric    Metric // default cosine
}

type vectorEntry struct {
	id        string
	raw       []float32 // as inserted, used by euclidean and dot metrics
	norm      []float32 // unit length, used by cosine and graph navigation
	neighbors map[string]struct{}
	seq       int // insertion order, used for tie-breaks
}

// VectorIndex stores fixed-dimension embeddings and answers nearest-neighbor
// queries. The dimension is established by the first insertion; later
// inserts of any other dimension fail with ErrDimensionMismatch.
//
// Below ANNMinElements the index scans linearly (exact results). At or above
// it, queries run a greedy best-first search over a bounded-degree neighbor
// graph seeded at the entry point (the first inserted vector).
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Writers hold the lock across
//	the neighbor prune step, so readers observe either the pre-prune or the
//	post-prune edge set, never a partial one.
type VectorIndex struct {
	mu         sync.RWMutex
	config     VectorConfig
	dimensions int
	entries    map[string]*vectorEntry
	entryPoint string
	nextSeq    int
}

// NewVectorIndex creates an empty index. The dimension locks on first Add.
func NewVectorIndex(config VectorConfig) *VectorIndex {
	config.applyDefaults()
	return &VectorIndex{
		config:  config,
		entries: make(map[string]*vectorEntry),
	}
}

// Add inserts or replaces a vector and links it into the neighbor graph.
func (v *VectorIndex) Add(id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dimensions == 0 {
		v.dimensions = len(vec)
	} else if len(vec) != v.dimensions {
		return fmt.Errorf("%w: got %d, index uses %d", ErrDimensionMismatch, len(vec), v.dimensions)
	}

	if existing, ok := v.entries[id]; ok {
		v.unlinkLocked(existing)
		delete(v.entries, id)
	}

	raw := make([]float32, len(vec))
	copy(raw, vec)
	entry := &vectorEntry{
		id:        id,
		raw:       raw,
		norm:      vector.Normalize(vec),
		neighbors: make(map[string]struct{}),
		seq:       v.nextSeq,
	}
	v.nextSeq++
	v.entries[id] = entry

	if v.entryPoint == "" {
		v.entryPoint = id
		return nil
	}

	// Candidate neighbors come from a construction-width beam search.
	candidates := v.searchGraphLocked(entry.norm, v.config.EfConstruction)
	limit := v.config.MaxConnections
	if len(candidates) < limit {
		limit = len(candidates)
	}
	for _, c := range candidates[:limit] {
		if c.ID == id {
			continue
		}
		neighbor := v.entries[c.ID]
		entry.neighbors[c.ID] = struct{}{}
		neighbor.neighbors[id] = struct{}{}
		if len(neighbor.neighbors) > v.config.MaxConnections {
			v.pruneLocked(neighbor)
		}
	}
	return nil
}

// unlinkLocked removes an entry from its neighbors' adjacency sets and
// repairs the entry point if needed.
func (v *VectorIndex) unlinkLocked(entry *vectorEntry) {
	for nid := range entry.neighbors {
		if n := v.entries[nid]; n != nil {
			delete(n.neighbors, entry.id)
		}
	}
	if v.entryPoint == entry.id {
		v.entryPoint = ""
		for id := range v.entries {
			if id != entry.id {
				v.entryPoint = id
				break
			}
		}
	}
}

// pruneLocked keeps only the MaxConnections most similar edges of entry.
func (v *VectorIndex) pruneLocked(entry *vectorEntry) {
	type scored struct {
		id  string
		sim float64
		seq int
	}
	edges := make([]scored, 0, len(entry.neighbors))
	for nid := range entry.neighbors {
		n := v.entries[nid]
		if n == nil {
			continue
		}
		edges = append(edges, scored{id: nid, sim: vector.Dot(entry.norm, n.norm), seq: n.seq})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].sim != edges[j].sim {
			return edges[i].sim > edges[j].sim
		}
		return edges[i].seq < edges[j].seq
	})

	kept := make(map[string]struct{}, v.config.MaxConnections)
	for i := 0; i < len(edges) && i < v.config.MaxConnections; i++ {
		kept[edges[i].id] = struct{}{}
	}
	for nid := range entry.neighbors {
		if _, keep := kept[nid]; !keep {
			delete(entry.neighbors, nid)
			if n := v.entries[nid]; n != nil {
				delete(n.neighbors, entry.id)
			}
		}
	}
}

// Remove deletes a vector. Removing the entry point promotes any survivor.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[id]
	if !ok {
		return
	}
	v.unlinkLocked(entry)
	delete(v.entries, id)

	if len(v.entries) == 0 {
		v.dimensions = 0
		v.entryPoint = ""
	}
}

// Has reports whether id is indexed.
func (v *VectorIndex) Has(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[id]
	return ok
}

// Get returns a copy of the stored (un-normalized) vector.
func (v *VectorIndex) Get(id string) ([]float32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.entries[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(entry.raw))
	copy(out, entry.raw)
	return out, true
}

// Size returns the number of indexed vectors.
func (v *VectorIndex) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Dimensions returns the locked dimension, or 0 when empty.
func (v *VectorIndex) Dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dimensions
}

// Search returns up to query.Limit vectors scoring at least query.Threshold
// under the query metric, sorted by decreasing similarity with ties broken
// by insertion order.
func (v *VectorIndex) Search(ctx context.Context, queryVec []float32, query VectorQuery) ([]VectorResult, error) {
	if query.Limit <= 0 {
		query.Limit = 10
	}
	metric := query.Metric
	if metric == "" {
		metric = MetricCosine
	}
	switch metric {
	case MetricCosine, MetricEuclidean, MetricDot:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.entries) == 0 {
		return nil, nil
	}
	if len(queryVec) != v.dimensions {
		return nil, fmt.Errorf("%w: got %d, index uses %d", ErrDimensionMismatch, len(queryVec), v.dimensions)
	}

	queryNorm := vector.Normalize(queryVec)

	var candidateIDs []string
	if len(v.entries) < v.config.ANNMinElements {
		candidateIDs = make([]string, 0, len(v.entries))
		for id := range v.entries {
			candidateIDs = append(candidateIDs, id)
		}
	} else {
		for _, c := range v.searchGraphLocked(queryNorm, v.config.EfSearch) {
			candidateIDs = append(candidateIDs, c.ID)
		}
	}

	results := make([]VectorResult, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := v.entries[id]

		var sim float64
		switch metric {
		case MetricCosine:
			sim = vector.Dot(queryNorm, entry.norm)
		case MetricEuclidean:
			sim = vector.EuclideanSimilarity(queryVec, entry.raw)
		case MetricDot:
			sim = vector.DotSimilarity(queryNorm, entry.norm)
		}

		if sim >= query.Threshold {
			results = append(results, VectorResult{ID: id, Similarity: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return v.entries[results[i].ID].seq < v.entries[results[j].ID].seq
	})

	if len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// searchGraphLocked runs greedy best-first search from the entry point with
// the given beam width, returning the closure ordered closest first.
func (v *VectorIndex) searchGraphLocked(queryNorm []float32, ef int) []VectorResult {
	entry := v.entries[v.entryPoint]
	if entry == nil {
		return nil
	}

	visited := map[string]struct{}{entry.id: {}}

	candidates := &vecDistHeap{} // min-heap by distance
	results := &vecDistHeap{}    // max-heap by distance
	heap.Init(candidates)
	heap.Init(results)

	entryDist := 1.0 - vector.Dot(queryNorm, entry.norm)
	heap.Push(candidates, vecDistItem{id: entry.id, dist: entryDist})
	heap.Push(results, vecDistItem{id: entry.id, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(vecDistItem)

		if results.Len() >= ef {
			if furthest := (*results)[0]; closest.dist > furthest.dist {
				break
			}
		}

		for nid := range v.entries[closest.id].neighbors {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}

			neighbor := v.entries[nid]
			dist := 1.0 - vector.Dot(queryNorm, neighbor.norm)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, vecDistItem{id: nid, dist: dist})
				heap.Push(results, vecDistItem{id: nid, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]VectorResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(vecDistItem)
		out[i] = VectorResult{ID: item.id, Similarity: 1.0 - item.dist}
	}
	return out
}

// Clear resets the index, unlocking the dimension.
func (v *VectorIndex) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = make(map[string]*vectorEntry)
	v.entryPoint = ""
	v.dimensions = 0
	v.nextSeq = 0
}

// Heap types for the graph search.
type vecDistItem struct {
	id    string
	dist  float64
	isMax bool
}

type vecDistHeap []vecDistItem

func (h vecDistHeap) Len() int { return len(h) }
func (h vecDistHeap) Less(i, j int) bool {
	if h[i].isMax {
		return h[i].dist > h[j].dist
	}
	return h[i].dist < h[j].dist
}
func (h vecDistHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *vecDistHeap) Push(x any) {
	*h = append(*h, x.(vecDistItem))
}

func (h *vecDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
