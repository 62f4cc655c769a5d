// Package query implements Muninn's unified query processor.
//
// A single structured query carries three orthogonal sub-queries (lexical,
// domain, cross-graph) and three cross-cutting blocks (memory
// prioritisation, resolution, sort/limit). The processor plans one
// execution across the index stack, fuses the partial result lists, and
// ranks the merged stream.
//
// Execution plan:
//
//  1. Synthesise a query embedding from the lexical text when none was
//     supplied (vectorizer failure degrades to text-only).
//  2. Lexical: union of inverted-index text search, vector similarity, and
//     chunk-type filtering, each with its relevance floor.
//  3. Domain: entity type, name (substring or fuzzy), relation type, and
//     vector filters; a bare text query falls back to entity substring
//     matching.
//  4. Cross-graph: link filtering by type and endpoint graphs.
//  5. Optional resolver pass merging near-duplicate entities.
//  6. Optional memory-aware multiplicative boosting.
//  7. Optional cluster annotation and boosting.
//  8. Merge, rank, cut.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/cluster"
	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/memory"
	"github.com/orneryd/muninn/pkg/resolve"
)

// Relevance floors assigned by the lexical sub-query.
const (
	textMatchRelevance = 0.8
	typeMatchRelevance = 0.9
)

// clusterBoostCeiling caps the cluster-membership relevance boost.
const clusterBoostCeiling = 0.25

// highConfidenceCluster is the confidence gate for cluster boosting.
const highConfidenceCluster = 0.7

// SortField orders the merged result stream.
type SortField string

const (
	SortRelevance  SortField = "relevance"
	SortConfidence SortField = "confidence"
	SortTimestamp  SortField = "timestamp"
)

// LexicalQuery targets the chunk side.
type LexicalQuery struct {
	Text       string
	Mode       index.TextMode
	Embedding  []float32
	ChunkTypes []dualgraph.ChunkType
	Threshold  float64 // vector similarity threshold
}

// DomainQuery targets the entity side.
type DomainQuery struct {
	EntityTypes   []string
	EntityNames   []string
	RelationTypes []string
	Embedding     []float32
	Threshold     float64
	FuzzyNames    bool // resolve names through the entity resolver
}

// CrossGraphQuery targets the link catalogue.
type CrossGraphQuery struct {
	Types       []dualgraph.LinkType
	SourceGraph dualgraph.GraphKind
	TargetGraph dualgraph.GraphKind
}

// Query is the unified query surface.
type Query struct {
	Lexical    *LexicalQuery
	Domain     *DomainQuery
	CrossGraph *CrossGraphQuery

	// EnableResolution merges near-duplicate entities in the result.
	EnableResolution bool

	// EnableMemoryBoost applies access-based multiplicative boosting.
	EnableMemoryBoost bool

	// EnableClusters annotates and boosts entities by cluster membership.
	EnableClusters bool

	// RecentWindow defines "recently accessed" for boosting.
	RecentWindow time.Duration

	SortBy SortField
	Limit  int
}

// Kind tags a result item.
type Kind string

const (
	KindChunk  Kind = "chunk"
	KindEntity Kind = "entity"
	KindLink   Kind = "link"
)

// Item is one ranked result.
type Item struct {
	Kind       Kind
	ID         string
	Relevance  float64
	Confidence float64
	CreatedAt  time.Time

	Chunk  *dualgraph.Chunk
	Entity *dualgraph.Entity
	Link   *dualgraph.CrossLink

	// Cluster annotations (EnableClusters).
	ClusterID             string
	ClusterRepresentative bool
}

// Response is the processed result.
type Response struct {
	Items []*Item

	// ClusterDistribution counts entity results per cluster id.
	ClusterDistribution map[string]int

	// Warnings lists degradations (vectorizer down, etc.).
	Warnings []string
}

// Source is the processor's read view of the engine catalogues.
type Source interface {
	ChunkByID(id string) *dualgraph.Chunk
	EntityByID(id string) *dualgraph.Entity
	AllEntities() []*dualgraph.Entity
	AllRelations() []*dualgraph.Relation
	AllLinks() []*dualgraph.CrossLink
}

// Processor executes unified queries.
type Processor struct {
	indexes  *index.Manager
	memory   *memory.Manager
	embedder embed.Embedder
	source   Source
	logger   *zap.Logger
}

// NewProcessor assembles a processor. embedder may be nil.
func NewProcessor(indexes *index.Manager, mem *memory.Manager, embedder embed.Embedder, source Source, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		indexes:  indexes,
		memory:   mem,
		embedder: embedder,
		source:   source,
		logger:   logger,
	}
}

// Execute runs the full plan.
func (p *Processor) Execute(ctx context.Context, q Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	response := &Response{}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.SortBy == "" {
		q.SortBy = SortRelevance
	}

	// Step 1: synthesise the lexical embedding.
	if q.Lexical != nil && q.Lexical.Text != "" && len(q.Lexical.Embedding) == 0 && p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, q.Lexical.Text)
		if err != nil {
			p.logger.Warn("query embedding failed, degrading to text-only", zap.Error(err))
			response.Warnings = append(response.Warnings, "vectorizer unavailable, text-only lexical search")
		} else {
			q.Lexical.Embedding = vec
		}
	}

	merged := make(map[string]*Item)

	if q.Lexical != nil {
		if err := p.runLexical(ctx, q.Lexical, merged); err != nil {
			return nil, err
		}
	}
	if q.Domain != nil {
		if err := p.runDomain(ctx, q, merged); err != nil {
			return nil, err
		}
	} else if q.Lexical != nil && q.Lexical.Text != "" {
		// Bare text queries also surface entities whose names or property
		// values match the text.
		p.matchEntitiesByText(q.Lexical.Text, merged)
	}
	if q.CrossGraph != nil {
		p.runCrossGraph(q.CrossGraph, merged)
	}

	items := make([]*Item, 0, len(merged))
	for _, item := range merged {
		items = append(items, item)
	}

	// Step 5: resolver pass.
	if q.EnableResolution {
		items = p.resolveDuplicates(items)
	}

	// Step 6: memory boosting.
	if q.EnableMemoryBoost && p.memory != nil {
		for _, item := range items {
			if boost, ok := p.memory.Boost(item.ID, item.Kind == KindChunk, q.RecentWindow); ok {
				item.Relevance *= boost
				if item.Relevance > 1 {
					item.Relevance = 1
				}
			}
		}
	}

	// Step 7: cluster enhancement.
	if q.EnableClusters {
		response.ClusterDistribution = p.applyClusters(items)
	}

	// Step 8: rank and cut.
	sortItems(items, q.SortBy)
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	response.Items = items
	return response, nil
}

// runLexical unions text, vector, and chunk-type hits.
func (p *Processor) runLexical(ctx context.Context, q *LexicalQuery, merged map[string]*Item) error {
	upsert := func(chunk *dualgraph.Chunk, relevance float64) {
		if chunk == nil {
			return
		}
		if existing, ok := merged[chunk.ID]; ok {
			if relevance > existing.Relevance {
				existing.Relevance = relevance
			}
			return
		}
		merged[chunk.ID] = &Item{
			Kind:       KindChunk,
			ID:         chunk.ID,
			Relevance:  relevance,
			Confidence: chunk.Confidence,
			CreatedAt:  chunk.Timestamp,
			Chunk:      chunk,
		}
	}

	if q.Text != "" {
		mode := q.Mode
		if mode == "" {
			mode = index.TextAny
		}
		ids, err := p.indexes.Text().Query(q.Text, mode)
		if err != nil {
			return err
		}
		for _, id := range ids {
			upsert(p.source.ChunkByID(id), textMatchRelevance)
		}
	}

	if len(q.Embedding) > 0 {
		results, err := p.indexes.SearchVectors(ctx, q.Embedding, index.VectorQuery{
			Limit:     200,
			Threshold: q.Threshold,
		})
		if err != nil {
			p.logger.Debug("vector search skipped", zap.Error(err))
		} else {
			for _, r := range results {
				upsert(p.source.ChunkByID(r.ID), r.Similarity)
			}
		}
	}

	for _, chunkType := range q.ChunkTypes {
		for _, id := range p.indexes.Labels().Query(string(chunkType)) {
			upsert(p.source.ChunkByID(id), typeMatchRelevance)
		}
	}
	return nil
}

// runDomain filters entities by type, name, relation participation, and
// vector similarity. Filters intersect; each must pass.
func (p *Processor) runDomain(ctx context.Context, q Query, merged map[string]*Item) error {
	dq := q.Domain

	noFilter := len(dq.EntityTypes) == 0 && len(dq.EntityNames) == 0 &&
		len(dq.RelationTypes) == 0 && len(dq.Embedding) == 0
	if noFilter {
		if q.Lexical != nil && q.Lexical.Text != "" {
			p.matchEntitiesByText(q.Lexical.Text, merged)
		}
		return nil
	}

	upsert := func(entity *dualgraph.Entity, relevance float64) {
		if entity == nil {
			return
		}
		if existing, ok := merged[entity.ID]; ok {
			if relevance > existing.Relevance {
				existing.Relevance = relevance
			}
			return
		}
		merged[entity.ID] = &Item{
			Kind:       KindEntity,
			ID:         entity.ID,
			Relevance:  relevance,
			Confidence: entity.Confidence,
			CreatedAt:  entity.CreatedAt,
			Entity:     entity,
		}
	}

	// Candidate set from the cheapest available filter.
	var candidates []*dualgraph.Entity
	if len(dq.EntityTypes) > 0 {
		var sets [][]string
		for _, typ := range dq.EntityTypes {
			sets = append(sets, p.indexes.Labels().Query(typ))
		}
		for _, id := range index.Union(sets...) {
			if e := p.source.EntityByID(id); e != nil {
				candidates = append(candidates, e)
			}
		}
	} else {
		candidates = p.source.AllEntities()
	}

	// Name filter.
	if len(dq.EntityNames) > 0 {
		var kept []*dualgraph.Entity
		for _, entity := range candidates {
			if p.nameMatches(entity, dq.EntityNames, dq.FuzzyNames) {
				kept = append(kept, entity)
			}
		}
		candidates = kept
	}

	// Relation-type participation filter.
	if len(dq.RelationTypes) > 0 {
		wanted := make(map[string]struct{}, len(dq.RelationTypes))
		for _, typ := range dq.RelationTypes {
			wanted[typ] = struct{}{}
		}
		participants := make(map[string]struct{})
		for _, rel := range p.source.AllRelations() {
			if _, ok := wanted[rel.Type]; ok {
				participants[rel.Source] = struct{}{}
				participants[rel.Target] = struct{}{}
			}
		}
		var kept []*dualgraph.Entity
		for _, entity := range candidates {
			if _, ok := participants[entity.ID]; ok {
				kept = append(kept, entity)
			}
		}
		candidates = kept
	}

	// Vector filter scores survivors; others use the type-match floor.
	if len(dq.Embedding) > 0 {
		results, err := p.indexes.SearchVectors(ctx, dq.Embedding, index.VectorQuery{
			Limit:     200,
			Threshold: dq.Threshold,
		})
		if err != nil {
			p.logger.Debug("entity vector search skipped", zap.Error(err))
			return nil
		}
		scores := make(map[string]float64, len(results))
		for _, r := range results {
			scores[r.ID] = r.Similarity
		}
		for _, entity := range candidates {
			if sim, ok := scores[entity.ID]; ok {
				upsert(entity, sim)
			}
		}
		return nil
	}

	for _, entity := range candidates {
		upsert(entity, typeMatchRelevance)
	}
	return nil
}

func (p *Processor) nameMatches(entity *dualgraph.Entity, names []string, fuzzy bool) bool {
	entityName := strings.ToLower(entity.Name)
	for _, name := range names {
		if strings.Contains(entityName, strings.ToLower(name)) {
			return true
		}
	}
	if !fuzzy {
		return false
	}
	resolver := p.indexes.Resolver()
	pool := []*resolve.Entity{{ID: entity.ID, Name: entity.Name, Type: entity.Type}}
	for _, name := range names {
		probe := &resolve.Entity{ID: "query", Name: name, Type: entity.Type}
		if m := resolver.Resolve(probe, pool); m != nil {
			return true
		}
	}
	return false
}

// matchEntitiesByText surfaces entities whose name or property values
// substring-match the query text.
func (p *Processor) matchEntitiesByText(text string, merged map[string]*Item) {
	needle := strings.ToLower(text)
	for _, entity := range p.source.AllEntities() {
		match := strings.Contains(needle, strings.ToLower(entity.Name)) ||
			strings.Contains(strings.ToLower(entity.Name), needle)
		if !match {
			for _, v := range entity.Properties {
				if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
					match = true
					break
				}
			}
		}
		if !match {
			continue
		}
		if _, ok := merged[entity.ID]; ok {
			continue
		}
		merged[entity.ID] = &Item{
			Kind:       KindEntity,
			ID:         entity.ID,
			Relevance:  textMatchRelevance,
			Confidence: entity.Confidence,
			CreatedAt:  entity.CreatedAt,
			Entity:     entity,
		}
	}
}

// runCrossGraph filters the link catalogue.
func (p *Processor) runCrossGraph(q *CrossGraphQuery, merged map[string]*Item) {
	wanted := make(map[dualgraph.LinkType]struct{}, len(q.Types))
	for _, typ := range q.Types {
		wanted[typ] = struct{}{}
	}

	for _, link := range p.source.AllLinks() {
		if len(wanted) > 0 {
			if _, ok := wanted[link.Type]; !ok {
				continue
			}
		}
		if q.SourceGraph != "" && link.SourceGraph != q.SourceGraph {
			continue
		}
		if q.TargetGraph != "" && link.TargetGraph != q.TargetGraph {
			continue
		}
		if _, ok := merged[link.ID]; ok {
			continue
		}
		merged[link.ID] = &Item{
			Kind:       KindLink,
			ID:         link.ID,
			Relevance:  link.Confidence,
			Confidence: link.Confidence,
			CreatedAt:  link.CreatedAt,
			Link:       link,
		}
	}
}

// resolveDuplicates merges near-duplicate entity results, carrying the
// higher confidence and relevance forward.
func (p *Processor) resolveDuplicates(items []*Item) []*Item {
	resolver := p.indexes.Resolver()

	var entities []*Item
	var rest []*Item
	for _, item := range items {
		if item.Kind == KindEntity && item.Entity != nil {
			entities = append(entities, item)
		} else {
			rest = append(rest, item)
		}
	}
	if len(entities) < 2 {
		return items
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	kept := make([]*Item, 0, len(entities))
	for _, item := range entities {
		pool := make([]*resolve.Entity, 0, len(kept))
		poolByID := make(map[string]*Item, len(kept))
		for _, k := range kept {
			re := &resolve.Entity{ID: k.ID, Name: k.Entity.Name, Type: k.Entity.Type, Embedding: k.Entity.Embedding}
			pool = append(pool, re)
			poolByID[k.ID] = k
		}
		probe := &resolve.Entity{ID: item.ID, Name: item.Entity.Name, Type: item.Entity.Type, Embedding: item.Entity.Embedding}
		if m := resolver.Resolve(probe, pool); m != nil {
			winner := poolByID[m.Entity.ID]
			if item.Confidence > winner.Confidence {
				winner.Confidence = item.Confidence
			}
			if item.Relevance > winner.Relevance {
				winner.Relevance = item.Relevance
			}
			continue
		}
		kept = append(kept, item)
	}
	return append(rest, kept...)
}

// applyClusters annotates entity items with their cluster id, marks
// representatives, boosts members of high-confidence clusters, and returns
// the cluster distribution.
func (p *Processor) applyClusters(items []*Item) map[string]int {
	distribution := make(map[string]int)
	for _, item := range items {
		if item.Kind != KindEntity {
			continue
		}
		c := p.indexes.ClusterOf(item.ID)
		if c == nil {
			item.ClusterID = "isolated"
			distribution["isolated"]++
			continue
		}
		item.ClusterID = c.ID
		item.ClusterRepresentative = c.Representative() == item.ID
		distribution[c.ID]++

		if c.Confidence >= highConfidenceCluster {
			item.Relevance += clusterBoostCeiling * c.Confidence
			if item.Relevance > 1 {
				item.Relevance = 1
			}
		}
	}
	return distribution
}

// FindRelatedClusters ranks clusters by centroid similarity.
func (p *Processor) FindRelatedClusters(embedding []float32, clusters []*cluster.Cluster, maxResults int) []*cluster.Cluster {
	return cluster.FindRelated(embedding, clusters, maxResults)
}

// sortItems orders by the chosen field descending; ties break by older
// creation time, then id.
func sortItems(items []*Item, field SortField) {
	sort.Slice(items, func(i, j int) bool {
		var a, b float64
		switch field {
		case SortConfidence:
			a, b = items[i].Confidence, items[j].Confidence
		case SortTimestamp:
			at, bt := items[i].CreatedAt, items[j].CreatedAt
			if !at.Equal(bt) {
				return at.After(bt)
			}
			return items[i].ID < items[j].ID
		default:
			a, b = items[i].Relevance, items[j].Relevance
		}
		if a != b {
			return a > b
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
