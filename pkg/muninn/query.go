package muninn

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/cluster"
	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/query"
	"github.com/orneryd/muninn/pkg/temporal"
	"github.com/orneryd/muninn/pkg/traverse"
)

// QueryMemory executes a unified query and attaches the graph neighborhood
// of the matched entities.
func (e *Engine) QueryMemory(ctx context.Context, q query.Query, mctx Context) (*QueryMemoryResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	start := time.Now()

	cacheKey := e.queryCache.Key(q.Lexical, q.Domain, q.CrossGraph, q.SortBy, q.Limit,
		q.EnableResolution, q.EnableMemoryBoost, q.EnableClusters)
	if cached, ok := e.queryCache.Get(cacheKey); ok {
		result := cached.(*QueryMemoryResult)
		out := *result
		out.Metadata.FromCache = true
		out.Metadata.Duration = time.Since(start)
		e.touchResults(&out)
		return &out, nil
	}

	response, err := e.processor.Execute(ctx, q)
	if err != nil {
		return &QueryMemoryResult{Errors: []EngineError{classifyErr(err)}}, err
	}

	result := &QueryMemoryResult{DualGraph: response}
	for _, warning := range response.Warnings {
		result.Errors = append(result.Errors, EngineError{Kind: ErrProviderUnavailable, Message: warning})
	}

	for _, item := range response.Items {
		switch item.Kind {
		case query.KindEntity:
			if item.Entity != nil {
				result.Entities = append(result.Entities, item.Entity)
			}
		}
	}
	result.Relationships = e.relationsAmong(result.Entities)
	result.Subgraph = e.expandSubgraph(result.Entities)
	result.Metadata.TotalResults = len(response.Items)
	result.Metadata.Duration = time.Since(start)

	e.touchResults(result)
	e.queryCache.Put(cacheKey, result)
	return result, nil
}

// touchResults marks returned elements accessed for memory prioritisation.
func (e *Engine) touchResults(result *QueryMemoryResult) {
	for _, entity := range result.Entities {
		e.memory.Touch(entity.ID)
	}
	if result.DualGraph != nil {
		for _, item := range result.DualGraph.Items {
			if item.Kind == query.KindChunk {
				e.memory.Touch(item.ID)
			}
		}
	}
}

// relationsAmong returns the currently-valid relations whose endpoints are
// both in the entity set.
func (e *Engine) relationsAmong(entities []*dualgraph.Entity) []*dualgraph.Relation {
	ids := make(map[string]struct{}, len(entities))
	for _, entity := range entities {
		ids[entity.ID] = struct{}{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tracker := e.indexes.Tracker()
	var out []*dualgraph.Relation
	for _, rel := range e.relations {
		if _, ok := ids[rel.Source]; !ok {
			continue
		}
		if _, ok := ids[rel.Target]; !ok {
			continue
		}
		if e.config.Graph.EnableTemporal {
			if tracked, ok := tracker.Get(rel.ID); ok && tracked.Invalidated() {
				continue
			}
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// expandSubgraph walks one hop around each result entity and collects the
// union neighborhood plus shortest paths from the first entity.
func (e *Engine) expandSubgraph(entities []*dualgraph.Entity) Subgraph {
	sub := Subgraph{}
	if len(entities) == 0 {
		return sub
	}

	nodeSeen := make(map[string]struct{})
	edgeSeen := make(map[string]struct{})
	for _, entity := range entities {
		result, err := traverse.BFS(e.store, entity.ID, traverse.Config{
			MaxDepth:         1,
			MaxNodes:         50,
			IncludeStartNode: true,
		})
		if err != nil {
			continue
		}
		for _, node := range result.Nodes {
			if _, dup := nodeSeen[node.ID]; dup {
				continue
			}
			nodeSeen[node.ID] = struct{}{}
			sub.Nodes = append(sub.Nodes, node)
		}
		for _, edge := range result.Edges {
			if _, dup := edgeSeen[edge.ID]; dup {
				continue
			}
			edgeSeen[edge.ID] = struct{}{}
			sub.Edges = append(sub.Edges, edge)
		}
	}

	// Paths between the first entity and the rest, when reachable.
	first := entities[0].ID
	for _, entity := range entities[1:] {
		if path, dist := traverse.ShortestPath(e.store, first, entity.ID, 4); dist >= 0 {
			sub.Paths = append(sub.Paths, path)
		}
	}
	return sub
}

// CreateClusters rebuilds the cluster set over all embedded entities.
func (e *Engine) CreateClusters() ([]*cluster.Cluster, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	e.mu.RLock()
	members := make([]cluster.Member, 0, len(e.entities))
	for _, entity := range e.entities {
		if len(entity.Embedding) == 0 {
			continue
		}
		members = append(members, cluster.Member{
			ID:        entity.ID,
			Type:      entity.Type,
			Embedding: entity.Embedding,
		})
	}
	e.mu.RUnlock()

	return e.indexes.RebuildClusters(members), nil
}

// FindRelatedClusters ranks clusters by centroid similarity to the query
// embedding.
func (e *Engine) FindRelatedClusters(queryEmbedding []float32, clusters []*cluster.Cluster, maxResults int) []*cluster.Cluster {
	if clusters == nil {
		clusters = e.indexes.Clusters()
	}
	return cluster.FindRelated(queryEmbedding, clusters, maxResults)
}

// GetContextualMemories scores entities against recent conversation history
// using text overlap and access recency.
func (e *Engine) GetContextualMemories(ctx context.Context, conversationHistory []string, maxResults int) ([]*dualgraph.Entity, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if len(conversationHistory) == 0 {
		return nil, nil
	}

	recent := conversationHistory
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	text := strings.Join(recent, " ")

	resp, err := e.processor.Execute(ctx, query.Query{
		Lexical:           &query.LexicalQuery{Text: text, Mode: index.TextAny, Threshold: 0.3},
		EnableMemoryBoost: true,
		RecentWindow:      time.Hour,
		Limit:             maxResults * 3,
	})
	if err != nil {
		return nil, err
	}

	var entities []*dualgraph.Entity
	for _, item := range resp.Items {
		if item.Kind == query.KindEntity && item.Entity != nil {
			entities = append(entities, item.Entity)
			if len(entities) >= maxResults {
				break
			}
		}
	}
	return entities, nil
}

// TraverseFromEntity walks the neighborhood of one entity.
func (e *Engine) TraverseFromEntity(entityID string, maxDepth, maxNodes int) (*Subgraph, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	result, err := traverse.BFS(e.store, entityID, traverse.Config{
		MaxDepth:         maxDepth,
		MaxNodes:         maxNodes,
		IncludeStartNode: true,
	})
	if err != nil {
		return nil, err
	}

	sub := &Subgraph{Nodes: result.Nodes, Edges: result.Edges}
	for _, node := range result.Nodes {
		if path := result.PathTo(node.ID); path != nil {
			sub.Paths = append(sub.Paths, path)
		}
		e.memory.Touch(node.ID)
	}
	return sub, nil
}

// QueryTemporalRelationships filters the temporal tracker.
func (e *Engine) QueryTemporalRelationships(q temporal.Query) ([]*temporal.Relationship, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	return e.indexes.Tracker().Find(q), nil
}

// InvalidateRelationship closes a relationship window with a reason. A zero
// timestamp closes it now.
func (e *Engine) InvalidateRelationship(id string, reason temporal.InvalidationReason, at time.Time) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if err := e.indexes.Tracker().Invalidate(id, reason, at); err != nil {
		return err
	}
	e.mu.Lock()
	e.reflectInvalidation(id)
	e.mu.Unlock()
	e.queryCache.Invalidate()
	return nil
}

// CleanupTemporalData expires lapsed windows and purges records whose
// window closed before olderThan. A zero cutoff purges everything closed
// as of now.
func (e *Engine) CleanupTemporalData(olderThan time.Time) (int, error) {
	if e.isClosed() {
		return 0, ErrEngineClosed
	}
	if olderThan.IsZero() {
		olderThan = time.Now()
	}
	tracker := e.indexes.Tracker()
	tracker.ExpireSweep(time.Now())
	purged := tracker.Cleanup(olderThan)
	return len(purged), nil
}

// Sync flushes persistence.
func (e *Engine) Sync() error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.persist == nil {
		return nil
	}
	return e.persist.Sync()
}

// Backup snapshots the current shard set under a name.
func (e *Engine) Backup(name string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.persist == nil {
		return nil
	}
	return e.persist.Backup(name)
}

// GetMetrics reports the engine health snapshot.
func (e *Engine) GetMetrics() Metrics {
	e.mu.RLock()
	entityCount := len(e.entities)
	chunkCount := len(e.chunks)
	relationCount := len(e.relations)
	sessionCount := len(e.domain)
	linkCount := 0
	for _, sessionLinks := range e.links {
		linkCount += len(sessionLinks)
	}
	e.mu.RUnlock()

	_, _, hitRate := e.queryCache.Stats()
	sizes := e.indexes.Sizes()

	// Rough occupancy estimate with typical payload sizes; good enough
	// for capacity dashboards.
	estimated := int64(entityCount)*512 + int64(relationCount)*256 +
		int64(chunkCount)*1024 + int64(linkCount)*128

	pending := 0
	if e.persist != nil {
		pending = e.persist.Pending()
	}

	return Metrics{
		NodeCount:      e.store.NodeCount(),
		EdgeCount:      e.store.EdgeCount(),
		Density:        e.store.Density(),
		EstimatedBytes: estimated,
		CacheHitRate:   hitRate,
		PendingChanges: pending,
		IndexSizes:     sizes,
		ClusterCount:   sizes["clusters"],
		Evictions:      e.memory.Evictions(),
		TrackedAccess:  e.memory.Size(),
		SessionCount:   sessionCount,
	}
}

// GraphStore exposes the entity mirror for read-side tooling (CLI stats,
// traversal helpers). Callers receive snapshots; the store stays owned by
// the engine.
func (e *Engine) GraphStore() *graph.Store { return e.store }

// Logger returns the engine logger (for adapters).
func (e *Engine) Logger() *zap.Logger { return e.logger }
