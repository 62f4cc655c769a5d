package dualgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/analysis"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/math/vector"
	"github.com/orneryd/muninn/pkg/resolve"
)

// hierarchical relation types that feed the entity hierarchy.
var hierarchicalTypes = map[string]bool{
	"parent_of": true,
	"is_a":      true,
	"part_of":   true,
}

// Config tunes the extraction pipeline.
type Config struct {
	Chunker ChunkerConfig `yaml:"lexical"`

	// CoOccurrenceWindow is the positional window for co-occurrence
	// relations; weight decays as max(0.1, 1 - |i-j|/w).
	CoOccurrenceWindow int `yaml:"coOccurrenceWindow"`

	// Domain thresholds and caps.
	EntityConfidenceThreshold   float64 `yaml:"entityConfidenceThreshold"`
	RelationConfidenceThreshold float64 `yaml:"relationshipConfidenceThreshold"`
	MaxEntitiesPerText          int     `yaml:"maxEntitiesPerText"`
	MaxRelationsPerText         int     `yaml:"maxRelationsPerText"`

	// Linking thresholds and caps.
	MinLinkConfidence          float64 `yaml:"minLinkConfidence"`
	MaxLinksPerEntity          int     `yaml:"maxLinksPerEntity"`
	SemanticGroundingThreshold float64 `yaml:"semanticGroundingThreshold"`

	// SimilarityThreshold gates similarity relations between distant
	// chunks sharing embedding direction.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
}

// DefaultConfig returns the extraction defaults.
func DefaultConfig() Config {
	return Config{
		Chunker:                     DefaultChunkerConfig(),
		CoOccurrenceWindow:          3,
		EntityConfidenceThreshold:   0.5,
		RelationConfidenceThreshold: 0.5,
		MaxEntitiesPerText:          50,
		MaxRelationsPerText:         100,
		MinLinkConfidence:           0.6,
		MaxLinksPerEntity:           20,
		SemanticGroundingThreshold:  0.75,
		SimilarityThreshold:         0.85,
	}
}

func (c *Config) applyDefaults() {
	c.Chunker.applyDefaults()
	if c.CoOccurrenceWindow <= 0 {
		c.CoOccurrenceWindow = 3
	}
	if c.MaxEntitiesPerText <= 0 {
		c.MaxEntitiesPerText = 50
	}
	if c.MaxRelationsPerText <= 0 {
		c.MaxRelationsPerText = 100
	}
	if c.MinLinkConfidence <= 0 {
		c.MinLinkConfidence = 0.6
	}
	if c.MaxLinksPerEntity <= 0 {
		c.MaxLinksPerEntity = 20
	}
	if c.SemanticGroundingThreshold <= 0 {
		c.SemanticGroundingThreshold = 0.75
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
}

// Extractor runs the chunking, extraction, and linking stages.
//
// Failure semantics: the vectorizer is best-effort (chunks and entities
// simply carry no embedding on failure), and a text-analysis provider
// failure yields an empty domain graph. Both degradations are logged and
// recorded as warnings on the result, never raised.
type Extractor struct {
	config   Config
	provider analysis.Provider
	embedder embed.Embedder
	resolver *resolve.Resolver
	logger   *zap.Logger
}

// NewExtractor creates an extractor. embedder may be nil (no embeddings);
// resolver may be nil (substring-only mention matching); logger may be nil.
func NewExtractor(config Config, provider analysis.Provider, embedder embed.Embedder, resolver *resolve.Resolver, logger *zap.Logger) *Extractor {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		config:   config,
		provider: provider,
		embedder: embedder,
		resolver: resolver,
		logger:   logger,
	}
}

// Extract runs the full pipeline over one utterance. Cancellation is
// honored between stages.
func (e *Extractor) Extract(ctx context.Context, text, source string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{}

	lexical, err := e.buildLexicalGraph(ctx, text, source, result)
	if err != nil {
		return nil, err
	}
	result.Lexical = lexical

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	domain, err := e.buildDomainGraph(ctx, text, result)
	if err != nil {
		return nil, err
	}
	result.Domain = domain

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Links = e.linkGraphs(lexical, domain, text)
	return result, nil
}

// buildLexicalGraph chunks the text, embeds chunks best-effort, and emits
// sequential and co-occurrence relations plus the retrieval indices.
func (e *Extractor) buildLexicalGraph(ctx context.Context, text, source string, result *Result) (*LexicalGraph, error) {
	chunks := ChunkText(text, source, e.config.Chunker)

	graph := &LexicalGraph{
		ID:         uuid.NewString(),
		Chunks:     chunks,
		TokenIndex: make(map[string][]string),
		TypeIndex:  make(map[ChunkType][]string),
		CreatedAt:  time.Now(),
	}

	if e.embedder != nil && len(chunks) > 0 {
		contents := make([]string, len(chunks))
		for i, c := range chunks {
			contents[i] = c.Content
		}
		embeddings, err := e.embedder.EmbedBatch(ctx, contents)
		if err != nil {
			e.logger.Warn("vectorizer failed, continuing without chunk embeddings", zap.Error(err))
			result.Warnings = append(result.Warnings, fmt.Sprintf("vectorizer: %v", err))
		} else {
			for i, emb := range embeddings {
				chunks[i].Embedding = emb
			}
		}
	}

	// Sequential chain in position order.
	for i := 0; i+1 < len(chunks); i++ {
		graph.Relations = append(graph.Relations, &LexicalRelation{
			ID:          uuid.NewString(),
			SourceChunk: chunks[i].ID,
			TargetChunk: chunks[i+1].ID,
			Type:        LexicalSequential,
			Weight:      1.0,
		})
	}

	// Co-occurrence within the window, weight decaying with distance.
	w := e.config.CoOccurrenceWindow
	for i := range chunks {
		for j := i + 1; j < len(chunks) && j-i <= w; j++ {
			weight := 1.0 - float64(j-i)/float64(w)
			if weight < 0.1 {
				weight = 0.1
			}
			graph.Relations = append(graph.Relations, &LexicalRelation{
				ID:          uuid.NewString(),
				SourceChunk: chunks[i].ID,
				TargetChunk: chunks[j].ID,
				Type:        LexicalCoOccurrence,
				Weight:      weight,
			})
		}
	}

	// Similarity relations for chunk pairs outside the co-occurrence
	// window whose embeddings agree strongly.
	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			continue
		}
		for j := i + w + 1; j < len(chunks); j++ {
			if len(chunks[j].Embedding) == 0 {
				continue
			}
			if sim := vector.Cosine(chunks[i].Embedding, chunks[j].Embedding); sim >= e.config.SimilarityThreshold {
				graph.Relations = append(graph.Relations, &LexicalRelation{
					ID:          uuid.NewString(),
					SourceChunk: chunks[i].ID,
					TargetChunk: chunks[j].ID,
					Type:        LexicalSimilarity,
					Weight:      sim,
				})
			}
		}
	}

	// Retrieval indices.
	for _, c := range chunks {
		graph.TypeIndex[c.Type] = append(graph.TypeIndex[c.Type], c.ID)
		for _, token := range funk.UniqString(index.Tokenize(c.Content)) {
			graph.TokenIndex[token] = append(graph.TokenIndex[token], c.ID)
		}
	}

	return graph, nil
}

// buildDomainGraph obtains entities and relations from the text-analysis
// provider, applies thresholds and caps, embeds entity names best-effort,
// and installs hierarchies for hierarchical relation types.
func (e *Extractor) buildDomainGraph(ctx context.Context, text string, result *Result) (*DomainGraph, error) {
	graph := &DomainGraph{ID: uuid.NewString(), CreatedAt: time.Now()}

	if e.provider == nil {
		return graph, nil
	}

	extraction, err := e.provider.Analyze(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("text-analysis provider failed, ingesting without domain graph", zap.Error(err))
		result.Warnings = append(result.Warnings, fmt.Sprintf("text-analysis: %v", err))
		return graph, nil
	}

	now := time.Now()
	byName := make(map[string]*Entity)
	for _, ent := range extraction.Entities {
		if ent.Confidence < e.config.EntityConfidenceThreshold {
			continue
		}
		if len(graph.Entities) >= e.config.MaxEntitiesPerText {
			e.logger.Debug("entity cap reached", zap.Int("cap", e.config.MaxEntitiesPerText))
			break
		}
		entity := &Entity{
			ID:         uuid.NewString(),
			Name:       ent.Name,
			Type:       ent.Type,
			Confidence: ent.Confidence,
			Properties: ent.Properties,
			CreatedAt:  now,
		}
		graph.Entities = append(graph.Entities, entity)
		byName[strings.ToLower(ent.Name)] = entity
	}

	// Entity embeddings from names, best-effort.
	if e.embedder != nil && len(graph.Entities) > 0 {
		names := make([]string, len(graph.Entities))
		for i, ent := range graph.Entities {
			names[i] = ent.Name
		}
		embeddings, err := e.embedder.EmbedBatch(ctx, names)
		if err != nil {
			e.logger.Warn("vectorizer failed for entity embeddings", zap.Error(err))
			result.Warnings = append(result.Warnings, fmt.Sprintf("vectorizer(entities): %v", err))
		} else {
			for i, emb := range embeddings {
				graph.Entities[i].Embedding = emb
			}
		}
	}

	hierarchy := NewHierarchy(uuid.NewString())
	hierarchyUsed := false
	for _, rel := range extraction.Relations {
		if rel.Confidence < e.config.RelationConfidenceThreshold {
			continue
		}
		if len(graph.Relations) >= e.config.MaxRelationsPerText {
			break
		}
		source := byName[strings.ToLower(rel.Source)]
		target := byName[strings.ToLower(rel.Target)]
		if source == nil || target == nil {
			continue
		}
		graph.Relations = append(graph.Relations, &Relation{
			ID:         uuid.NewString(),
			Source:     source.ID,
			Target:     target.ID,
			Type:       rel.Type,
			Confidence: rel.Confidence,
			CreatedAt:  now,
		})
		if hierarchicalTypes[rel.Type] {
			// parent_of runs parent -> child; is_a and part_of run
			// child -> parent.
			if rel.Type == "parent_of" {
				hierarchyUsed = hierarchy.Attach(source.ID, target.ID) || hierarchyUsed
			} else {
				hierarchyUsed = hierarchy.Attach(target.ID, source.ID) || hierarchyUsed
			}
		}
	}
	if hierarchyUsed {
		graph.Hierarchy = hierarchy
	}

	return graph, nil
}

// linkGraphs emits the four cross-link families.
func (e *Extractor) linkGraphs(lexical *LexicalGraph, domain *DomainGraph, text string) []*CrossLink {
	var links []*CrossLink
	now := time.Now()

	emit := func(sourceGraph GraphKind, sourceID string, targetGraph GraphKind, targetID string, typ LinkType, confidence float64, metadata map[string]any) {
		links = append(links, &CrossLink{
			ID:          uuid.NewString(),
			SourceGraph: sourceGraph,
			TargetGraph: targetGraph,
			SourceID:    sourceID,
			TargetID:    targetID,
			Type:        typ,
			Confidence:  confidence,
			Metadata:    metadata,
			CreatedAt:   now,
		})
	}

	// entity_mention: chunk -> entity, capped per entity.
	mentionsOf := make(map[string][]string) // entity id -> chunk ids
	for _, entity := range domain.Entities {
		needle := strings.ToLower(entity.Name)
		count := 0
		for _, chunk := range lexical.Chunks {
			if count >= e.config.MaxLinksPerEntity {
				break
			}
			confidence := 0.0
			if strings.Contains(strings.ToLower(chunk.Content), needle) {
				confidence = 0.95
			} else if e.resolver != nil {
				confidence = e.fuzzyMentionConfidence(chunk.Content, entity)
			}
			if confidence < e.config.MinLinkConfidence {
				continue
			}
			emit(GraphLexical, chunk.ID, GraphDomain, entity.ID, LinkEntityMention, confidence, nil)
			mentionsOf[entity.ID] = append(mentionsOf[entity.ID], chunk.ID)
			count++
		}
	}

	// evidence_support: a chunk mentioning both endpoints supports the
	// relation.
	for _, rel := range domain.Relations {
		sourceChunks := mentionsOf[rel.Source]
		targetChunks := mentionsOf[rel.Target]
		for _, chunkID := range sourceChunks {
			if funk.ContainsString(targetChunks, chunkID) {
				emit(GraphLexical, chunkID, GraphDomain, rel.ID, LinkEvidenceSupport, rel.Confidence,
					map[string]any{"relationType": rel.Type})
			}
		}
	}

	// semantic_grounding: embedding similarity between chunk and entity.
	for _, entity := range domain.Entities {
		if len(entity.Embedding) == 0 {
			continue
		}
		for _, chunk := range lexical.Chunks {
			if len(chunk.Embedding) != len(entity.Embedding) {
				continue
			}
			if sim := vector.Cosine(chunk.Embedding, entity.Embedding); sim >= e.config.SemanticGroundingThreshold {
				emit(GraphLexical, chunk.ID, GraphDomain, entity.ID, LinkSemanticGrounding, sim, nil)
			}
		}
	}

	// temporal_alignment: chunk and entity sharing an explicit time
	// expression.
	entityTimes := make(map[string][]string)
	for _, entity := range domain.Entities {
		// An entity aligns with the time expressions of the sentences
		// that mention it.
		var exprs []string
		for _, chunkID := range mentionsOf[entity.ID] {
			if chunk := lexical.ChunkByID(chunkID); chunk != nil {
				exprs = append(exprs, analysis.TimeExpressions(chunk.Content)...)
			}
		}
		if len(exprs) > 0 {
			entityTimes[entity.ID] = funk.UniqString(exprs)
		}
	}
	for _, chunk := range lexical.Chunks {
		chunkTimes := analysis.TimeExpressions(chunk.Content)
		if len(chunkTimes) == 0 {
			continue
		}
		for entityID, times := range entityTimes {
			shared := ""
			for _, t := range chunkTimes {
				if funk.ContainsString(times, t) {
					shared = t
					break
				}
			}
			if shared == "" {
				continue
			}
			emit(GraphLexical, chunk.ID, GraphDomain, entityID, LinkTemporalAlignment, 0.8,
				map[string]any{"expression": shared})
		}
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].Type != links[j].Type {
			return links[i].Type < links[j].Type
		}
		return links[i].ID < links[j].ID
	})
	return links
}

// fuzzyMentionConfidence scores a non-substring mention via the resolver's
// name similarity: the chunk's capitalized token runs are compared against
// the entity name.
func (e *Extractor) fuzzyMentionConfidence(content string, entity *Entity) float64 {
	candidate := &resolve.Entity{ID: "probe", Name: entity.Name, Type: entity.Type}
	best := 0.0
	for _, span := range capitalizedSpans(content) {
		pool := []*resolve.Entity{{ID: "span", Name: span, Type: entity.Type}}
		if m := e.resolver.Resolve(candidate, pool); m != nil && m.Confidence > best {
			best = m.Confidence
		}
	}
	return best
}

// capitalizedSpans lists runs of capitalized words in the content.
func capitalizedSpans(content string) []string {
	var spans []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			spans = append(spans, strings.Join(current, " "))
			current = nil
		}
	}
	for _, word := range strings.Fields(content) {
		trimmed := strings.Trim(word, ".,;:!?\"'()")
		if trimmed != "" && trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			current = append(current, trimmed)
		} else {
			flush()
		}
	}
	flush()
	return spans
}
