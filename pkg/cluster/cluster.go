// Package cluster groups entity embeddings into themed clusters.
//
// Two strategies are provided:
//
//   - KMeans: k-means with farthest-point initialisation, where the
//     configured maximum cluster count is an upper bound on k.
//   - Threshold: agglomerative merging of vectors whose cosine similarity
//     exceeds a configured threshold.
//
// Either way, clusters smaller than MinClusterSize are discarded, the theme
// label is the plurality entity type of the members, and confidence is the
// mean intra-cluster cosine similarity to the centroid.
//
// Example Usage:
//
//	engine := cluster.NewEngine(cluster.DefaultConfig())
//	clusters := engine.KMeans(members)
//	for _, c := range clusters {
//		fmt.Printf("%s: %d members (%.2f)\n", c.Theme, len(c.MemberIDs), c.Confidence)
//	}
package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// Member is one clusterable entity.
type Member struct {
	ID        string
	Type      string
	Embedding []float32
}

// Cluster is a group of members around a centroid. Members are ordered by
// decreasing similarity to the centroid. All members share the centroid's
// embedding dimension; clusters never span embedding spaces.
type Cluster struct {
	ID          string    `json:"id"`
	MemberIDs   []string  `json:"memberIds"`
	Centroid    []float32 `json:"centroid"`
	Theme       string    `json:"theme"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Contains reports whether id is a member.
func (c *Cluster) Contains(id string) bool {
	for _, m := range c.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Representative returns the member most similar to the centroid (the first
// member, by construction), or "".
func (c *Cluster) Representative() string {
	if len(c.MemberIDs) == 0 {
		return ""
	}
	return c.MemberIDs[0]
}

// Config tunes both clustering strategies.
type Config struct {
	// MaxClusters is the upper bound on k for k-means.
	MaxClusters int `yaml:"maxClusters"`

	// MinClusterSize discards smaller clusters.
	MinClusterSize int `yaml:"minClusterSize"`

	// SimilarityThreshold drives the threshold strategy.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	// Epsilon stops k-means when centroid movement falls below it.
	Epsilon float64 `yaml:"epsilon"`

	// MaxIterations caps k-means rounds.
	MaxIterations int `yaml:"maxIterations"`
}

// DefaultConfig returns the tuning used by a freshly opened engine.
func DefaultConfig() Config {
	return Config{
		MaxClusters:         10,
		MinClusterSize:      2,
		SimilarityThreshold: 0.75,
		Epsilon:             0.0001,
		MaxIterations:       100,
	}
}

// Engine runs clustering with a fixed configuration.
type Engine struct {
	config Config
}

// NewEngine creates a clustering engine.
func NewEngine(config Config) *Engine {
	if config.MaxClusters <= 0 {
		config.MaxClusters = 10
	}
	if config.MinClusterSize <= 0 {
		config.MinClusterSize = 2
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 100
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 0.0001
	}
	return &Engine{config: config}
}

// usable filters members to those with a consistent, non-empty embedding.
func usable(members []Member) []Member {
	var out []Member
	dim := 0
	for _, m := range members {
		if len(m.Embedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(m.Embedding)
		}
		if len(m.Embedding) != dim {
			continue
		}
		out = append(out, m)
	}
	return out
}

// KMeans clusters members with k = min(MaxClusters, len(members)).
// Initial centroids come from farthest-point sampling; iteration stops when
// every centroid moves less than Epsilon or MaxIterations is reached.
func (e *Engine) KMeans(members []Member) []*Cluster {
	members = usable(members)
	if len(members) < e.config.MinClusterSize {
		return nil
	}

	k := e.config.MaxClusters
	if k > len(members) {
		k = len(members)
	}

	centroids := farthestPointInit(members, k)

	assignments := make([]int, len(members))
	for iter := 0; iter < e.config.MaxIterations; iter++ {
		// Assign each member to the nearest centroid.
		for i, m := range members {
			best, bestSim := 0, -2.0
			for c, centroid := range centroids {
				if sim := vector.Cosine(m.Embedding, centroid); sim > bestSim {
					best, bestSim = c, sim
				}
			}
			assignments[i] = best
		}

		// Recompute centroids and measure movement.
		moved := 0.0
		for c := range centroids {
			var group [][]float32
			for i, m := range members {
				if assignments[i] == c {
					group = append(group, m.Embedding)
				}
			}
			if len(group) == 0 {
				continue
			}
			next := vector.Mean(group)
			movement := vector.EuclideanDistance(centroids[c], next)
			if movement > moved {
				moved = movement
			}
			centroids[c] = next
		}

		if moved < e.config.Epsilon {
			break
		}
	}

	groups := make(map[int][]Member)
	for i, m := range members {
		groups[assignments[i]] = append(groups[assignments[i]], m)
	}

	var clusters []*Cluster
	for c, group := range groups {
		if built := e.build(group, centroids[c]); built != nil {
			clusters = append(clusters, built)
		}
	}
	sortClusters(clusters)
	return clusters
}

// Threshold clusters by single-link merging: two members join the same
// cluster when their cosine similarity exceeds SimilarityThreshold.
func (e *Engine) Threshold(members []Member) []*Cluster {
	members = usable(members)
	if len(members) < e.config.MinClusterSize {
		return nil
	}

	// Union-find over member indexes.
	parent := make([]int, len(members))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if vector.Cosine(members[i].Embedding, members[j].Embedding) > e.config.SimilarityThreshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]Member)
	for i, m := range members {
		root := find(i)
		groups[root] = append(groups[root], m)
	}

	var clusters []*Cluster
	for _, group := range groups {
		var embeddings [][]float32
		for _, m := range group {
			embeddings = append(embeddings, m.Embedding)
		}
		if built := e.build(group, vector.Mean(embeddings)); built != nil {
			clusters = append(clusters, built)
		}
	}
	sortClusters(clusters)
	return clusters
}

// build assembles a Cluster from a member group, or nil when the group is
// below the minimum size.
func (e *Engine) build(group []Member, centroid []float32) *Cluster {
	if len(group) < e.config.MinClusterSize || len(centroid) == 0 {
		return nil
	}

	// Order members by similarity to the centroid, most similar first.
	type scored struct {
		member Member
		sim    float64
	}
	scoredMembers := make([]scored, len(group))
	var total float64
	for i, m := range group {
		sim := vector.Cosine(m.Embedding, centroid)
		scoredMembers[i] = scored{member: m, sim: sim}
		total += sim
	}
	sort.Slice(scoredMembers, func(i, j int) bool {
		if scoredMembers[i].sim != scoredMembers[j].sim {
			return scoredMembers[i].sim > scoredMembers[j].sim
		}
		return scoredMembers[i].member.ID < scoredMembers[j].member.ID
	})

	memberIDs := make([]string, len(scoredMembers))
	typeCounts := make(map[string]int)
	for i, s := range scoredMembers {
		memberIDs[i] = s.member.ID
		typeCounts[s.member.Type]++
	}

	return &Cluster{
		ID:          clusterID(memberIDs),
		MemberIDs:   memberIDs,
		Centroid:    centroid,
		Theme:       pluralityType(typeCounts),
		Confidence:  total / float64(len(group)),
		LastUpdated: time.Now(),
	}
}

// pluralityType picks the most common member type; ties break
// lexicographically for determinism.
func pluralityType(counts map[string]int) string {
	theme, best := "", -1
	for typ, n := range counts {
		if n > best || (n == best && typ < theme) {
			theme, best = typ, n
		}
	}
	if theme == "" {
		return "mixed"
	}
	return theme
}

func clusterID(memberIDs []string) string {
	// Stable across runs for the same membership.
	h := uint64(14695981039346656037)
	for _, id := range memberIDs {
		for i := 0; i < len(id); i++ {
			h ^= uint64(id[i])
			h *= 1099511628211
		}
		h ^= '|'
		h *= 1099511628211
	}
	return fmt.Sprintf("cluster-%016x", h)
}

func sortClusters(clusters []*Cluster) {
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].MemberIDs) != len(clusters[j].MemberIDs) {
			return len(clusters[i].MemberIDs) > len(clusters[j].MemberIDs)
		}
		return clusters[i].ID < clusters[j].ID
	})
}

// FindRelated returns up to maxResults clusters whose centroid is most
// similar to the query embedding, sorted by decreasing similarity.
func FindRelated(queryEmbedding []float32, clusters []*Cluster, maxResults int) []*Cluster {
	if maxResults <= 0 {
		maxResults = 5
	}

	type scored struct {
		cluster *Cluster
		sim     float64
	}
	var ranked []scored
	for _, c := range clusters {
		if len(c.Centroid) != len(queryEmbedding) {
			continue
		}
		ranked = append(ranked, scored{cluster: c, sim: vector.Cosine(queryEmbedding, c.Centroid)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].cluster.ID < ranked[j].cluster.ID
	})

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	out := make([]*Cluster, len(ranked))
	for i, r := range ranked {
		out[i] = r.cluster
	}
	return out
}

// farthestPointInit seeds k centroids: the first is the first member, each
// subsequent one is the member farthest (least similar) from all chosen
// centroids.
func farthestPointInit(members []Member, k int) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := make([]float32, len(members[0].Embedding))
	copy(first, members[0].Embedding)
	centroids = append(centroids, first)

	for len(centroids) < k {
		bestIdx, bestScore := -1, 2.0
		for i, m := range members {
			// Similarity to the closest existing centroid; the member
			// minimizing it is the farthest point.
			closest := -2.0
			for _, c := range centroids {
				if sim := vector.Cosine(m.Embedding, c); sim > closest {
					closest = sim
				}
			}
			if closest < bestScore {
				bestScore = closest
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		next := make([]float32, len(members[bestIdx].Embedding))
		copy(next, members[bestIdx].Embedding)
		centroids = append(centroids, next)
	}
	return centroids
}
