package index

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/cluster"
	"github.com/orneryd/muninn/pkg/resolve"
	"github.com/orneryd/muninn/pkg/temporal"
)

// Item is the manager's indexable view of an engine element (entity or
// chunk). Labels feed the label index, the property bag feeds the property
// index, Text feeds the inverted text index, and Embedding feeds the vector
// index when present.
type Item struct {
	ID         string
	Labels     []string
	Properties map[string]any
	Text       string
	Embedding  []float32
}

// ManagerConfig assembles the stack.
type ManagerConfig struct {
	Vector         VectorConfig
	PhraseFallback bool
	Resolver       resolve.Config
	Cluster        cluster.Config
	Temporal       temporal.Config
}

// Manager owns the index stack and the resolver, clustering engine, and
// temporal tracker, fanning ingest and removal out so an element is either
// present in every applicable index or in none.
//
// Ownership: the manager exclusively owns the index instances and the
// cluster set. Callers interact through the manager, never by reaching into
// an index they did not create.
type Manager struct {
	labels     *LabelIndex
	properties *PropertyIndex
	text       *TextIndex
	vectors    *VectorIndex
	patterns   *PatternIndex

	resolver  *resolve.Resolver
	clusterer *cluster.Engine
	tracker   *temporal.Tracker

	clusterMu  sync.RWMutex
	clusterSet []*cluster.Cluster

	logger *zap.Logger
}

// NewManager assembles a manager from the given configuration.
func NewManager(config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		labels:     NewLabelIndex(),
		properties: NewPropertyIndex(),
		text:       NewTextIndex(config.PhraseFallback),
		vectors:    NewVectorIndex(config.Vector),
		patterns:   NewPatternIndex(),
		resolver:   resolve.NewResolver(config.Resolver),
		clusterer:  cluster.NewEngine(config.Cluster),
		tracker:    temporal.NewTracker(config.Temporal),
		logger:     logger,
	}
}

// Ingest indexes an item everywhere it applies. A vector dimension mismatch
// fails the whole ingest before any index is touched, keeping the stack
// consistent.
func (m *Manager) Ingest(item Item) error {
	if len(item.Embedding) > 0 {
		if err := m.vectors.Add(item.ID, item.Embedding); err != nil {
			return err
		}
	}
	for _, label := range item.Labels {
		m.labels.Add(item.ID, label)
	}
	if len(item.Properties) > 0 {
		m.properties.AddAll(item.ID, item.Properties)
	}
	if item.Text != "" {
		m.text.Add(item.ID, item.Text)
	}
	return nil
}

// Remove cascades removal of an id through every index and the cluster set.
func (m *Manager) Remove(id string) {
	m.labels.Remove(id)
	m.properties.Remove(id)
	m.text.Remove(id)
	m.vectors.Remove(id)
	m.removeFromClusters(id)
}

// Labels exposes label queries.
func (m *Manager) Labels() *LabelIndex { return m.labels }

// Properties exposes property queries.
func (m *Manager) Properties() *PropertyIndex { return m.properties }

// Text exposes text queries.
func (m *Manager) Text() *TextIndex { return m.text }

// Vectors exposes vector queries.
func (m *Manager) Vectors() *VectorIndex { return m.vectors }

// Patterns exposes the pattern index.
func (m *Manager) Patterns() *PatternIndex { return m.patterns }

// Resolver exposes the entity resolver the manager owns.
func (m *Manager) Resolver() *resolve.Resolver { return m.resolver }

// Tracker exposes the temporal tracker the manager owns.
func (m *Manager) Tracker() *temporal.Tracker { return m.tracker }

// SearchVectors runs a vector query against the stack.
func (m *Manager) SearchVectors(ctx context.Context, embedding []float32, query VectorQuery) ([]VectorResult, error) {
	return m.vectors.Search(ctx, embedding, query)
}

// Intersect returns the ids present in every provided set, sorted. Used by
// multi-criteria index queries; intersection is commutative and associative.
func Intersect(sets ...[]string) []string {
	if len(sets) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}

	var out []string
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Union returns the ids present in any provided set, sorted.
func Union(sets ...[]string) []string {
	merged := make(map[string]struct{})
	for _, set := range sets {
		for _, id := range set {
			merged[id] = struct{}{}
		}
	}
	return sortedIDs(merged)
}

// RebuildClusters re-runs clustering over the given members and replaces
// the owned cluster set.
func (m *Manager) RebuildClusters(members []cluster.Member) []*cluster.Cluster {
	clusters := m.clusterer.KMeans(members)

	m.clusterMu.Lock()
	m.clusterSet = clusters
	m.clusterMu.Unlock()

	m.logger.Debug("clusters rebuilt", zap.Int("clusters", len(clusters)), zap.Int("members", len(members)))
	return clusters
}

// Clusters returns the current cluster set.
func (m *Manager) Clusters() []*cluster.Cluster {
	m.clusterMu.RLock()
	defer m.clusterMu.RUnlock()
	return m.clusterSet
}

// ClusterOf returns the cluster containing id, or nil.
func (m *Manager) ClusterOf(id string) *cluster.Cluster {
	m.clusterMu.RLock()
	defer m.clusterMu.RUnlock()

	for _, c := range m.clusterSet {
		if c.Contains(id) {
			return c
		}
	}
	return nil
}

// removeFromClusters drops id from any cluster it belongs to.
func (m *Manager) removeFromClusters(id string) {
	m.clusterMu.Lock()
	defer m.clusterMu.Unlock()

	for i, c := range m.clusterSet {
		for j, member := range c.MemberIDs {
			if member != id {
				continue
			}
			trimmed := *c
			trimmed.MemberIDs = append(append([]string{}, c.MemberIDs[:j]...), c.MemberIDs[j+1:]...)
			m.clusterSet[i] = &trimmed
			break
		}
	}
}

// Sizes reports per-index element counts for metrics.
func (m *Manager) Sizes() map[string]int {
	m.clusterMu.RLock()
	clusters := len(m.clusterSet)
	m.clusterMu.RUnlock()

	return map[string]int{
		"label":    m.labels.Size(),
		"property": m.properties.Size(),
		"text":     m.text.Size(),
		"vector":   m.vectors.Size(),
		"pattern":  m.patterns.Size(),
		"clusters": clusters,
	}
}

// Clear resets every index and the cluster set.
func (m *Manager) Clear() {
	m.labels.Clear()
	m.properties.Clear()
	m.text.Clear()
	m.vectors.Clear()

	m.clusterMu.Lock()
	m.clusterSet = nil
	m.clusterMu.Unlock()
}
