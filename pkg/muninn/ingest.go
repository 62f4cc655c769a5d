package muninn

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/resolve"
	"github.com/orneryd/muninn/pkg/temporal"
)

// AddMemory ingests one natural-language utterance: chunks it, extracts the
// domain graph, installs cross-links, mirrors entities and relations into
// the graph store, indexes everything, and appends to persistence.
//
// Concurrency: calls are serialized per session id and run in parallel
// across sessions up to the configured worker bound. Within a session,
// sequential reads observe prior writes.
//
// Idempotence: re-ingesting the same text yields the same graph. Chunks
// dedupe by content, entities by resolution, relations by
// (source, type, target), links by (type, endpoints).
func (e *Engine) AddMemory(ctx context.Context, text string, mctx Context) (*AddMemoryResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	start := time.Now()

	if e.config.Processing.IngestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Processing.IngestTimeout)
		defer cancel()
	}

	// Bounded worker pool across sessions.
	if err := e.ingestSem.Acquire(ctx, 1); err != nil {
		return &AddMemoryResult{Errors: []EngineError{classifyErr(err)}}, err
	}
	defer e.ingestSem.Release(1)

	// Serialize within the session.
	sessionID := mctx.sessionID()
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	source := mctx.Source
	if source == "" {
		source = "conversation"
	}

	// Extraction runs outside the catalogue lock: it is the slow part
	// (providers, embeddings) and touches no shared state.
	extraction, err := e.extractor.Extract(ctx, text, source)
	if err != nil {
		engineErr := classifyErr(err)
		return &AddMemoryResult{Errors: []EngineError{engineErr}}, err
	}

	result := e.commit(sessionID, extraction, mctx)
	result.Metadata.Duration = time.Since(start)

	for _, hint := range mctx.RelevantEntities {
		e.memory.Touch(hint)
	}

	e.queryCache.Invalidate()
	e.persistSession(sessionID, result)
	e.enforceMemoryBound(result)
	return result, nil
}

// commit merges one extraction into the engine catalogues atomically.
func (e *Engine) commit(sessionID string, extraction *dualgraph.Result, mctx Context) *AddMemoryResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &AddMemoryResult{DualGraph: extraction}
	result.Metadata.SessionID = sessionID
	for _, warning := range extraction.Warnings {
		result.Errors = append(result.Errors, EngineError{Kind: ErrProviderUnavailable, Message: warning})
	}

	idMap := make(map[string]string) // extracted id -> canonical id

	e.mergeLexical(sessionID, extraction.Lexical, idMap, result)
	e.mergeDomain(sessionID, extraction.Domain, idMap, mctx, result)
	e.mergeLinks(sessionID, extraction.Links, idMap, result)

	return result
}

// mergeLexical folds new chunks and lexical relations into the session's
// lexical graph, deduping chunks by content.
func (e *Engine) mergeLexical(sessionID string, incoming *dualgraph.LexicalGraph, idMap map[string]string, result *AddMemoryResult) {
	if incoming == nil {
		return
	}

	lex, ok := e.lexical[sessionID]
	if !ok {
		lex = &dualgraph.LexicalGraph{
			ID:         incoming.ID,
			TokenIndex: make(map[string][]string),
			TypeIndex:  make(map[dualgraph.ChunkType][]string),
			CreatedAt:  incoming.CreatedAt,
		}
		e.lexical[sessionID] = lex
	}

	for _, chunk := range incoming.Chunks {
		key := chunkKey(sessionID, chunk.Content)
		if existingID, dup := e.chunkKeys[key]; dup {
			idMap[chunk.ID] = existingID
			e.memory.Touch(existingID)
			continue
		}
		idMap[chunk.ID] = chunk.ID
		e.chunkKeys[key] = chunk.ID
		e.chunks[chunk.ID] = chunk
		lex.Chunks = append(lex.Chunks, chunk)
		lex.TypeIndex[chunk.Type] = append(lex.TypeIndex[chunk.Type], chunk.ID)
		result.Metadata.ChunkCount++

		if err := e.indexes.Ingest(chunkItem(chunk)); err != nil {
			result.Errors = append(result.Errors, classifyErr(err))
			e.logger.Warn("chunk indexing failed", zap.String("chunk", chunk.ID), zap.Error(err))
		}
		e.memory.Track(chunk.ID, chunk.Timestamp)
	}

	for token, ids := range incoming.TokenIndex {
		for _, id := range ids {
			mapped := idMap[id]
			if mapped == id { // only first-seen chunks extend the index
				lex.TokenIndex[token] = append(lex.TokenIndex[token], mapped)
			}
		}
	}

	seenRel := make(map[string]struct{})
	for _, rel := range lex.Relations {
		seenRel[rel.SourceChunk+"|"+string(rel.Type)+"|"+rel.TargetChunk] = struct{}{}
	}
	for _, rel := range incoming.Relations {
		src, dst := idMap[rel.SourceChunk], idMap[rel.TargetChunk]
		if src == "" || dst == "" || src == dst {
			continue
		}
		key := src + "|" + string(rel.Type) + "|" + dst
		if _, dup := seenRel[key]; dup {
			continue
		}
		seenRel[key] = struct{}{}
		mapped := *rel
		mapped.SourceChunk, mapped.TargetChunk = src, dst
		lex.Relations = append(lex.Relations, &mapped)
	}
}

// mergeDomain resolves extracted entities against the global catalogue and
// installs new relations, mirroring both into the graph store.
func (e *Engine) mergeDomain(sessionID string, incoming *dualgraph.DomainGraph, idMap map[string]string, mctx Context, result *AddMemoryResult) {
	if incoming == nil {
		return
	}

	dom, ok := e.domain[sessionID]
	if !ok {
		dom = &dualgraph.DomainGraph{ID: incoming.ID, CreatedAt: incoming.CreatedAt}
		e.domain[sessionID] = dom
	}

	resolver := e.indexes.Resolver()
	now := contextTime(mctx)

	for _, entity := range incoming.Entities {
		candidates := e.resolutionPool(entity.Type)
		match := resolver.Resolve(asResolveEntity(entity), candidates)
		if match != nil {
			existing := e.entities[match.Entity.ID]
			idMap[entity.ID] = existing.ID

			if entity.Confidence > existing.Confidence {
				existing.Confidence = entity.Confidence
			}
			if existing.Properties == nil && entity.Properties != nil {
				existing.Properties = make(map[string]any)
			}
			for k, v := range entity.Properties {
				existing.Properties[k] = v
			}
			if len(existing.Embedding) == 0 {
				existing.Embedding = entity.Embedding
			}
			// A longer surface form is the better display name.
			if len(entity.Name) > len(existing.Name) {
				existing.Name = entity.Name
			}

			if err := e.store.UpdateNode(e.mirrorNode(existing)); err != nil {
				result.Errors = append(result.Errors, classifyErr(err))
			}
			if err := e.indexes.Ingest(entityItem(existing)); err != nil {
				result.Errors = append(result.Errors, classifyErr(err))
			}
			e.memory.Touch(existing.ID)
			result.Entities = append(result.Entities, IngestedEntity{Entity: existing, Action: ActionUpdated})
			continue
		}

		idMap[entity.ID] = entity.ID
		e.entities[entity.ID] = entity
		dom.Entities = append(dom.Entities, entity)

		if err := e.store.AddNode(e.mirrorNode(entity)); err != nil {
			result.Errors = append(result.Errors, classifyErr(err))
			e.logger.Warn("entity mirror failed", zap.String("entity", entity.ID), zap.Error(err))
		}
		if err := e.indexes.Ingest(entityItem(entity)); err != nil {
			result.Errors = append(result.Errors, classifyErr(err))
		}
		e.memory.Track(entity.ID, entity.CreatedAt)
		result.Entities = append(result.Entities, IngestedEntity{Entity: entity, Action: ActionCreated})
	}

	for _, rel := range incoming.Relations {
		src, dst := idMap[rel.Source], idMap[rel.Target]
		if src == "" || dst == "" || src == dst {
			continue
		}

		if existing := e.findRelation(src, rel.Type, dst); existing != nil {
			idMap[rel.ID] = existing.ID
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
			}
			result.Relationships = append(result.Relationships, existing)
			continue
		}

		mapped := *rel
		mapped.Source, mapped.Target = src, dst
		idMap[rel.ID] = mapped.ID
		e.relations[mapped.ID] = &mapped
		dom.Relations = append(dom.Relations, &mapped)
		result.Relationships = append(result.Relationships, &mapped)

		edge := &graph.Edge{
			ID:     mapped.ID,
			Source: src,
			Target: dst,
			Type:   mapped.Type,
			Weight: mapped.Confidence,
		}
		if err := e.store.AddEdge(edge); err != nil {
			result.Errors = append(result.Errors, classifyErr(err))
			e.logger.Warn("relation mirror failed", zap.String("relation", mapped.ID), zap.Error(err))
			continue
		}

		if e.config.Graph.EnableTemporal {
			invalidated := e.indexes.Tracker().Track(&temporal.Relationship{
				ID:         mapped.ID,
				Source:     src,
				Target:     dst,
				Type:       mapped.Type,
				Confidence: mapped.Confidence,
				ValidFrom:  now,
				CreatedAt:  now,
			})
			result.Metadata.InvalidatedCount += len(invalidated)
			for _, id := range invalidated {
				e.reflectInvalidation(id)
			}
		}
	}

	// Hierarchies merge wholesale; the one-parent invariant is enforced
	// per attach.
	if incoming.Hierarchy != nil {
		if dom.Hierarchy == nil {
			dom.Hierarchy = dualgraph.NewHierarchy(incoming.Hierarchy.ID)
		}
		for child, parent := range incoming.Hierarchy.Parent {
			dom.Hierarchy.Attach(idMap[parent], idMap[child])
		}
	}
}

// mergeLinks folds remapped cross-links into the session catalogue.
func (e *Engine) mergeLinks(sessionID string, incoming []*dualgraph.CrossLink, idMap map[string]string, result *AddMemoryResult) {
	existing := make(map[string]*dualgraph.CrossLink)
	for _, link := range e.links[sessionID] {
		existing[linkKey(link)] = link
	}

	for _, link := range incoming {
		src, dst := idMap[link.SourceID], idMap[link.TargetID]
		if src == "" || dst == "" {
			continue
		}
		mapped := *link
		mapped.SourceID, mapped.TargetID = src, dst

		key := linkKey(&mapped)
		if prior, dup := existing[key]; dup {
			if mapped.Confidence > prior.Confidence {
				prior.Confidence = mapped.Confidence
			}
			continue
		}
		existing[key] = &mapped
		e.links[sessionID] = append(e.links[sessionID], &mapped)
		result.Metadata.LinkCount++
	}
}

func linkKey(link *dualgraph.CrossLink) string {
	return string(link.Type) + "|" + link.SourceID + "|" + link.TargetID
}

// resolutionPool lists the current entities of one type for the resolver.
// Callers hold e.mu.
func (e *Engine) resolutionPool(entityType string) []*resolve.Entity {
	pool := make([]*resolve.Entity, 0, len(e.entities))
	for _, entity := range e.entities {
		if entity.Type == entityType {
			pool = append(pool, asResolveEntity(entity))
		}
	}
	return pool
}

// findRelation locates a relation by (source, type, target). Callers hold
// e.mu.
func (e *Engine) findRelation(source, relType, target string) *dualgraph.Relation {
	for _, rel := range e.relations {
		if rel.Source == source && rel.Type == relType && rel.Target == target {
			return rel
		}
	}
	return nil
}

// mirrorNode converts an entity into its graph-store mirror.
func (e *Engine) mirrorNode(entity *dualgraph.Entity) *graph.Node {
	props := map[string]any{"name": entity.Name, "confidence": entity.Confidence}
	for k, v := range entity.Properties {
		props[k] = v
	}
	return &graph.Node{
		ID:         entity.ID,
		Type:       entity.Type,
		Properties: props,
		Embedding:  entity.Embedding,
		CreatedAt:  entity.CreatedAt,
	}
}

// reflectInvalidation copies a tracker invalidation onto the mirror edge.
// Callers hold e.mu.
func (e *Engine) reflectInvalidation(relationID string) {
	rel, ok := e.indexes.Tracker().Get(relationID)
	if !ok {
		return
	}
	edge, err := e.store.GetEdge(relationID)
	if err != nil {
		return
	}
	edge.ValidFrom = &rel.ValidFrom
	edge.ValidUntil = rel.ValidUntil
	edge.InvalidationReason = string(rel.Reason)
	if err := e.store.UpdateEdge(edge); err != nil {
		e.logger.Warn("invalidation mirror failed", zap.String("relation", relationID), zap.Error(err))
	}
	if e.persist != nil {
		if err := e.persist.StoreEdge(edge); err != nil {
			e.logger.Warn("invalidation persist failed", zap.Error(err))
		}
	}
}

// persistSession appends the ingest outcome to storage. Failures are logged
// and reported, never raised: in-memory state stays authoritative.
func (e *Engine) persistSession(sessionID string, result *AddMemoryResult) {
	if e.persist == nil {
		return
	}

	for _, ingested := range result.Entities {
		if err := e.persist.StoreNode(e.mirrorNode(ingested.Entity)); err != nil {
			e.logger.Warn("persist node failed", zap.Error(err))
			result.Errors = append(result.Errors, classifyErr(err))
			break
		}
	}
	for _, rel := range result.Relationships {
		edge, err := e.store.GetEdge(rel.ID)
		if err != nil {
			continue
		}
		if err := e.persist.StoreEdge(edge); err != nil {
			e.logger.Warn("persist edge failed", zap.Error(err))
			result.Errors = append(result.Errors, classifyErr(err))
			break
		}
	}

	e.mu.RLock()
	lex := e.lexical[sessionID]
	dom := e.domain[sessionID]
	links := e.links[sessionID]
	e.mu.RUnlock()

	if lex != nil {
		if err := e.persist.StoreLexicalGraph(sessionID, lex); err != nil {
			e.logger.Warn("persist lexical graph failed", zap.Error(err))
		}
	}
	if dom != nil {
		if err := e.persist.StoreDomainGraph(sessionID, dom); err != nil {
			e.logger.Warn("persist domain graph failed", zap.Error(err))
		}
	}
	if links != nil {
		if err := e.persist.StoreCrossLinks(sessionID, links); err != nil {
			e.logger.Warn("persist links failed", zap.Error(err))
		}
	}
}

// enforceMemoryBound evicts overflow victims, cascading removal through the
// store, the indexes, and the temporal tracker.
func (e *Engine) enforceMemoryBound(result *AddMemoryResult) {
	victims := e.memory.Overflow()
	if len(victims) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, victim := range victims {
		e.removeElementLocked(victim)
		e.memory.Remove(victim)
		result.Metadata.EvictedCount++
	}
	e.logger.Info("memory bound enforced", zap.Int("evicted", len(victims)))
}

// removeElementLocked cascades removal of an entity or chunk. Callers hold
// e.mu.
func (e *Engine) removeElementLocked(id string) {
	if _, isEntity := e.entities[id]; isEntity {
		e.removeEntityLocked(id)
		return
	}
	if _, isChunk := e.chunks[id]; isChunk {
		e.removeChunkLocked(id)
	}
}

// removeEntityLocked removes an entity, its incident relations, its
// cross-links, its index entries, and its cluster membership. Relations
// that lose all evidence_support links are invalidated with
// cross_graph_inconsistency before removal decisions propagate.
func (e *Engine) removeEntityLocked(id string) {
	delete(e.entities, id)

	// Incident relations go with the entity.
	removedRelations := make(map[string]struct{})
	for relID, rel := range e.relations {
		if rel.Source == id || rel.Target == id {
			removedRelations[relID] = struct{}{}
			delete(e.relations, relID)
			e.indexes.Tracker().Remove(relID)
		}
	}

	// Cross-links referencing the entity or a removed relation go too.
	e.dropLinks(func(link *dualgraph.CrossLink) bool {
		if link.SourceID == id || link.TargetID == id {
			return true
		}
		_, refsRemoved := removedRelations[link.TargetID]
		return refsRemoved
	})

	// Session domain catalogues lose the entity and its relations.
	for _, dom := range e.domain {
		dom.Entities = filterEntities(dom.Entities, id)
		dom.Relations = filterRelations(dom.Relations, removedRelations, id)
	}

	if err := e.store.RemoveNode(id); err != nil && !errors.Is(err, graph.ErrNotFound) {
		e.logger.Warn("entity store removal failed", zap.String("entity", id), zap.Error(err))
	}
	e.indexes.Remove(id)

	if e.persist != nil {
		if err := e.persist.DeleteNode(id); err != nil {
			e.logger.Warn("entity tombstone failed", zap.Error(err))
		}
	}

	e.invalidateUnsupportedRelationsLocked()
}

// removeChunkLocked removes a chunk from the lexical catalogues, indexes,
// and links, then invalidates domain relations left without evidence.
func (e *Engine) removeChunkLocked(id string) {
	chunk, ok := e.chunks[id]
	if !ok {
		return
	}
	delete(e.chunks, id)

	for session, lex := range e.lexical {
		var kept []*dualgraph.Chunk
		for _, c := range lex.Chunks {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		if len(kept) != len(lex.Chunks) {
			lex.Chunks = kept
			delete(e.chunkKeys, chunkKey(session, chunk.Content))
		}

		var keptRels []*dualgraph.LexicalRelation
		for _, rel := range lex.Relations {
			if rel.SourceChunk != id && rel.TargetChunk != id {
				keptRels = append(keptRels, rel)
			}
		}
		lex.Relations = keptRels

		for token, ids := range lex.TokenIndex {
			lex.TokenIndex[token] = filterIDs(ids, id)
		}
		for typ, ids := range lex.TypeIndex {
			lex.TypeIndex[typ] = filterIDs(ids, id)
		}
	}

	e.dropLinks(func(link *dualgraph.CrossLink) bool {
		return link.SourceID == id || link.TargetID == id
	})
	e.indexes.Remove(id)

	e.invalidateUnsupportedRelationsLocked()
}

// dropLinks removes links matching the predicate from every session.
func (e *Engine) dropLinks(drop func(*dualgraph.CrossLink) bool) {
	for session, sessionLinks := range e.links {
		var kept []*dualgraph.CrossLink
		for _, link := range sessionLinks {
			if !drop(link) {
				kept = append(kept, link)
			}
		}
		e.links[session] = kept
	}
}

// invalidateUnsupportedRelationsLocked applies the cross-graph consistency
// rule: a domain relation that has lost every evidence_support link is
// invalidated (retained for audit, no longer active).
func (e *Engine) invalidateUnsupportedRelationsLocked() {
	if !e.config.Graph.EnableTemporal {
		return
	}

	supported := make(map[string]struct{})
	for _, sessionLinks := range e.links {
		for _, link := range sessionLinks {
			if link.Type == dualgraph.LinkEvidenceSupport {
				supported[link.TargetID] = struct{}{}
			}
		}
	}

	tracker := e.indexes.Tracker()
	for relID := range e.relations {
		if _, ok := supported[relID]; ok {
			continue
		}
		rel, tracked := tracker.Get(relID)
		if !tracked || rel.Invalidated() {
			continue
		}
		if err := tracker.Invalidate(relID, temporal.ReasonCrossGraph, time.Now()); err == nil {
			e.reflectInvalidation(relID)
		}
	}
}

func filterIDs(ids []string, drop string) []string {
	var kept []string
	for _, id := range ids {
		if id != drop {
			kept = append(kept, id)
		}
	}
	return kept
}

func filterEntities(entities []*dualgraph.Entity, drop string) []*dualgraph.Entity {
	var kept []*dualgraph.Entity
	for _, entity := range entities {
		if entity.ID != drop {
			kept = append(kept, entity)
		}
	}
	return kept
}

func filterRelations(relations []*dualgraph.Relation, dropIDs map[string]struct{}, endpoint string) []*dualgraph.Relation {
	var kept []*dualgraph.Relation
	for _, rel := range relations {
		if _, dropped := dropIDs[rel.ID]; dropped {
			continue
		}
		if rel.Source == endpoint || rel.Target == endpoint {
			continue
		}
		kept = append(kept, rel)
	}
	return kept
}

// RemoveEntity deletes an entity and cascades per the removal rules.
func (e *Engine) RemoveEntity(id string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.entities[id]; !ok {
		return graph.ErrNotFound
	}
	e.removeEntityLocked(id)
	e.memory.Remove(id)
	e.queryCache.Invalidate()
	return nil
}
