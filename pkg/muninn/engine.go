package muninn

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/muninn/pkg/analysis"
	"github.com/orneryd/muninn/pkg/cache"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/memory"
	"github.com/orneryd/muninn/pkg/query"
	"github.com/orneryd/muninn/pkg/resolve"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/temporal"
)

// ErrEngineClosed is returned by every call after Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine owns all shared state: the graph store, the index stack, the
// session catalogues, the memory manager, the temporal tracker, and the
// persistence layer. Construct one per process (or per test) via Open.
type Engine struct {
	config *config.Config
	logger *zap.Logger

	// mu guards the catalogues below. The component structures (store,
	// indexes, memory, tracker) carry their own locks.
	mu       sync.RWMutex
	lexical  map[string]*dualgraph.LexicalGraph // session -> merged lexical graph
	domain   map[string]*dualgraph.DomainGraph  // session -> merged domain graph
	links    map[string][]*dualgraph.CrossLink  // session -> links
	entities map[string]*dualgraph.Entity       // global, post-resolution
	relations map[string]*dualgraph.Relation    // global, deduped
	chunks    map[string]*dualgraph.Chunk       // global
	chunkKeys map[string]string                 // session|contentHash -> chunk id

	store     *graph.Store
	indexes   *index.Manager
	memory    *memory.Manager
	embedder  embed.Embedder
	extractor *dualgraph.Extractor
	processor *query.Processor
	persist   *storage.Store
	queryCache *cache.QueryCache

	// Ingest scheduling: serialized per session, bounded across sessions.
	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex
	ingestSem    *semaphore.Weighted

	closedMu sync.RWMutex
	closed   bool
}

// Open assembles an engine from configuration and restores persisted state.
func Open(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig("")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	embedder, err := embed.NewEmbedder(&cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrInvalidConfig, err)
	}

	providerName := cfg.AnalysisProvider
	if providerName == "" {
		providerName = "rules"
	}
	provider, err := analysis.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrProviderUnavailable, err)
	}

	resolution := cfg.Resolution
	if cfg.Graph.EntityResolutionThreshold > 0 {
		resolution.FuzzyThreshold = cfg.Graph.EntityResolutionThreshold
	}

	e := &Engine{
		config:   cfg,
		logger:   logger,
		lexical:  make(map[string]*dualgraph.LexicalGraph),
		domain:   make(map[string]*dualgraph.DomainGraph),
		links:    make(map[string][]*dualgraph.CrossLink),
		entities: make(map[string]*dualgraph.Entity),
		relations: make(map[string]*dualgraph.Relation),
		chunks:    make(map[string]*dualgraph.Chunk),
		chunkKeys: make(map[string]string),
		store: graph.NewStore(graph.StoreConfig{
			MaxNodes:        cfg.Graph.MaxNodes,
			MaxEdgesPerNode: cfg.Graph.MaxEdgesPerNode,
		}),
		memory:       memory.NewManager(cfg.Memory),
		embedder:     embedder,
		sessionLocks: make(map[string]*sync.Mutex),
		queryCache:   cache.NewQueryCache(cfg.Query.CacheSize, cfg.Query.CacheTTL),
	}

	e.indexes = index.NewManager(index.ManagerConfig{
		PhraseFallback: cfg.Query.PhraseFallback,
		Resolver:       resolution,
		Cluster:        cfg.Cluster,
		Temporal:       cfg.Temporal,
	}, logger)

	e.extractor = dualgraph.NewExtractor(cfg.Extraction, provider, embedder, e.indexes.Resolver(), logger)
	e.processor = query.NewProcessor(e.indexes, e.memory, embedder, e, logger)

	workers := cfg.Processing.MaxConcurrentSessions
	if workers <= 0 {
		workers = 8
	}
	e.ingestSem = semaphore.NewWeighted(int64(workers))

	if cfg.PersistenceEnabled {
		store, err := storage.Open(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		e.persist = store
		if err := e.restore(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return e, nil
}

// restore rebuilds in-memory state from the last persisted snapshot.
func (e *Engine) restore() error {
	snapshot, err := e.persist.Load()
	if err != nil {
		return err
	}

	for _, node := range snapshot.Nodes {
		if err := e.store.AddNode(node); err != nil {
			e.logger.Warn("restore: node skipped", zap.String("id", node.ID), zap.Error(err))
		}
	}
	for _, edge := range snapshot.Edges {
		if err := e.store.AddEdge(edge); err != nil {
			e.logger.Warn("restore: edge skipped", zap.String("id", edge.ID), zap.Error(err))
		}
	}

	e.lexical = snapshot.Lexical
	e.domain = snapshot.Domain
	e.links = snapshot.Links

	for session, lex := range snapshot.Lexical {
		for _, chunk := range lex.Chunks {
			e.chunks[chunk.ID] = chunk
			e.chunkKeys[chunkKey(session, chunk.Content)] = chunk.ID
			if err := e.indexes.Ingest(chunkItem(chunk)); err != nil {
				e.logger.Warn("restore: chunk index skipped", zap.String("id", chunk.ID), zap.Error(err))
			}
			e.memory.Track(chunk.ID, chunk.Timestamp)
		}
	}
	for _, dom := range snapshot.Domain {
		for _, entity := range dom.Entities {
			e.entities[entity.ID] = entity
			if err := e.indexes.Ingest(entityItem(entity)); err != nil {
				e.logger.Warn("restore: entity index skipped", zap.String("id", entity.ID), zap.Error(err))
			}
			e.memory.Track(entity.ID, entity.CreatedAt)
		}
		for _, rel := range dom.Relations {
			e.relations[rel.ID] = rel
		}
	}

	// Temporal state comes back from the mirror edges, which carry the
	// persisted validity windows.
	if e.config.Graph.EnableTemporal {
		tracker := e.indexes.Tracker()
		for _, edge := range e.store.AllEdges() {
			rel := &temporal.Relationship{
				ID:         edge.ID,
				Source:     edge.Source,
				Target:     edge.Target,
				Type:       edge.Type,
				Confidence: edge.Weight,
				ValidUntil: edge.ValidUntil,
				CreatedAt:  edge.CreatedAt,
			}
			if edge.ValidFrom != nil {
				rel.ValidFrom = *edge.ValidFrom
			}
			tracker.Track(rel)
			if edge.InvalidationReason != "" && edge.ValidUntil != nil {
				tracker.Invalidate(edge.ID, temporal.InvalidationReason(edge.InvalidationReason), *edge.ValidUntil)
			}
		}
	}

	e.logger.Info("state restored",
		zap.Int("nodes", e.store.NodeCount()),
		zap.Int("edges", e.store.EdgeCount()),
		zap.Int("sessions", len(e.domain)))
	return nil
}

// Close flushes persistence and marks the engine unusable.
func (e *Engine) Close() error {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return nil
	}
	e.closed = true
	e.closedMu.Unlock()

	var err error
	if e.persist != nil {
		err = e.persist.Close()
	}
	e.store.Close()
	return err
}

func (e *Engine) isClosed() bool {
	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	return e.closed
}

// sessionLock returns the mutex serializing ingestion for one session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	return lock
}

// --- query.Source ---

// ChunkByID implements query.Source.
func (e *Engine) ChunkByID(id string) *dualgraph.Chunk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chunks[id]
}

// EntityByID implements query.Source.
func (e *Engine) EntityByID(id string) *dualgraph.Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entities[id]
}

// AllEntities implements query.Source.
func (e *Engine) AllEntities() []*dualgraph.Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*dualgraph.Entity, 0, len(e.entities))
	for _, entity := range e.entities {
		out = append(out, entity)
	}
	return out
}

// AllRelations implements query.Source.
func (e *Engine) AllRelations() []*dualgraph.Relation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*dualgraph.Relation, 0, len(e.relations))
	for _, rel := range e.relations {
		out = append(out, rel)
	}
	return out
}

// AllLinks implements query.Source.
func (e *Engine) AllLinks() []*dualgraph.CrossLink {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*dualgraph.CrossLink
	for _, sessionLinks := range e.links {
		out = append(out, sessionLinks...)
	}
	return out
}

// --- helpers shared by ingest and restore ---

func chunkKey(sessionID, content string) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return fmt.Sprintf("%s|%016x", sessionID, h.Sum64())
}

func chunkItem(chunk *dualgraph.Chunk) index.Item {
	return index.Item{
		ID:        chunk.ID,
		Labels:    []string{string(chunk.Type), "text_chunk"},
		Text:      chunk.Content,
		Embedding: chunk.Embedding,
		Properties: map[string]any{
			"source":   chunk.Source,
			"position": chunk.Position,
		},
	}
}

func entityItem(entity *dualgraph.Entity) index.Item {
	props := map[string]any{"name": entity.Name}
	for k, v := range entity.Properties {
		props[k] = v
	}
	return index.Item{
		ID:         entity.ID,
		Labels:     []string{entity.Type},
		Text:       entity.Name,
		Embedding:  entity.Embedding,
		Properties: props,
	}
}

func asResolveEntity(entity *dualgraph.Entity) *resolve.Entity {
	return &resolve.Entity{
		ID:         entity.ID,
		Name:       entity.Name,
		Type:       entity.Type,
		Properties: entity.Properties,
		Embedding:  entity.Embedding,
		Confidence: entity.Confidence,
	}
}

// classifyErr maps Go errors to the engine's semantic error kinds.
func classifyErr(err error) EngineError {
	switch {
	case errors.Is(err, context.Canceled):
		return EngineError{Kind: ErrCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return EngineError{Kind: ErrDeadlineExceeded, Message: err.Error()}
	case errors.Is(err, graph.ErrCapacityExceeded):
		return EngineError{Kind: ErrCapacityExceeded, Message: err.Error()}
	case errors.Is(err, graph.ErrMissingEndpoint):
		return EngineError{Kind: ErrMissingEndpoint, Message: err.Error()}
	case errors.Is(err, graph.ErrDimensionMismatch), errors.Is(err, index.ErrDimensionMismatch):
		return EngineError{Kind: ErrDimensionMismatch, Message: err.Error()}
	case errors.Is(err, analysis.ErrProviderUnavailable), errors.Is(err, embed.ErrUnavailable):
		return EngineError{Kind: ErrProviderUnavailable, Message: err.Error()}
	case errors.Is(err, storage.ErrDecode):
		return EngineError{Kind: ErrDecodeError, Message: err.Error()}
	default:
		return EngineError{Kind: ErrConsistency, Message: err.Error()}
	}
}

// ValidateConsistency surfaces dangling references from the graph store.
func (e *Engine) ValidateConsistency() []graph.ConsistencyIssue {
	return e.store.ValidateConsistency()
}

// contextTime returns the context timestamp or wall time.
func contextTime(mctx Context) time.Time {
	if !mctx.Timestamp.IsZero() {
		return mctx.Timestamp
	}
	return time.Now()
}
