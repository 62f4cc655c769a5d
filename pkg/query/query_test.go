package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/cluster"
	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/memory"
)

// fixtureSource is an in-memory Source for processor tests.
type fixtureSource struct {
	chunks    map[string]*dualgraph.Chunk
	entities  map[string]*dualgraph.Entity
	relations []*dualgraph.Relation
	links     []*dualgraph.CrossLink
}

func (f *fixtureSource) ChunkByID(id string) *dualgraph.Chunk   { return f.chunks[id] }
func (f *fixtureSource) EntityByID(id string) *dualgraph.Entity { return f.entities[id] }
func (f *fixtureSource) AllEntities() []*dualgraph.Entity {
	var out []*dualgraph.Entity
	for _, e := range f.entities {
		out = append(out, e)
	}
	return out
}
func (f *fixtureSource) AllRelations() []*dualgraph.Relation { return f.relations }
func (f *fixtureSource) AllLinks() []*dualgraph.CrossLink    { return f.links }

type fixture struct {
	processor *Processor
	indexes   *index.Manager
	mem       *memory.Manager
	source    *fixtureSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	indexes := index.NewManager(index.ManagerConfig{PhraseFallback: true}, nil)
	mem := memory.NewManager(memory.Config{})
	embedder := embed.NewHash(64)
	ctx := context.Background()

	source := &fixtureSource{
		chunks:   map[string]*dualgraph.Chunk{},
		entities: map[string]*dualgraph.Entity{},
	}

	now := time.Now()
	chunks := []*dualgraph.Chunk{
		{ID: "c1", Content: "Alice Johnson works at TechCorp", Type: dualgraph.ChunkSentence, Confidence: 0.9, Timestamp: now},
		{ID: "c2", Content: "The weather is lovely today", Type: dualgraph.ChunkSentence, Confidence: 0.8, Timestamp: now},
	}
	for _, c := range chunks {
		vec, err := embedder.Embed(ctx, c.Content)
		require.NoError(t, err)
		c.Embedding = vec
		source.chunks[c.ID] = c
		require.NoError(t, indexes.Ingest(index.Item{
			ID:        c.ID,
			Labels:    []string{string(c.Type), "text_chunk"},
			Text:      c.Content,
			Embedding: vec,
		}))
		mem.Track(c.ID, now)
	}

	entities := []*dualgraph.Entity{
		{ID: "e1", Name: "Alice Johnson", Type: "person", Confidence: 0.9, CreatedAt: now},
		{ID: "e2", Name: "TechCorp", Type: "organization", Confidence: 0.85, CreatedAt: now},
		{ID: "e3", Name: "Bob Smith", Type: "person", Confidence: 0.7, CreatedAt: now},
	}
	for _, e := range entities {
		vec, err := embedder.Embed(ctx, e.Name)
		require.NoError(t, err)
		e.Embedding = vec
		source.entities[e.ID] = e
		require.NoError(t, indexes.Ingest(index.Item{
			ID:        e.ID,
			Labels:    []string{e.Type},
			Text:      e.Name,
			Embedding: vec,
		}))
		mem.Track(e.ID, now)
	}

	source.relations = []*dualgraph.Relation{
		{ID: "r1", Source: "e1", Target: "e2", Type: "works_at", Confidence: 0.9, CreatedAt: now},
	}
	source.links = []*dualgraph.CrossLink{
		{ID: "l1", SourceGraph: dualgraph.GraphLexical, TargetGraph: dualgraph.GraphDomain, SourceID: "c1", TargetID: "e1", Type: dualgraph.LinkEntityMention, Confidence: 0.95, CreatedAt: now},
		{ID: "l2", SourceGraph: dualgraph.GraphLexical, TargetGraph: dualgraph.GraphDomain, SourceID: "c1", TargetID: "r1", Type: dualgraph.LinkEvidenceSupport, Confidence: 0.9, CreatedAt: now},
	}

	return &fixture{
		processor: NewProcessor(indexes, mem, embedder, source, nil),
		indexes:   indexes,
		mem:       mem,
		source:    source,
	}
}

func itemIDs(items []*Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestLexicalTextSearch(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Lexical: &LexicalQuery{Text: "TechCorp", Mode: index.TextAll},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Items)

	// c1 matched by text; e2 matched by name fallback.
	ids := itemIDs(resp.Items)
	assert.Contains(t, ids, "c1")
	assert.Contains(t, ids, "e2")

	for _, item := range resp.Items {
		if item.ID == "c1" {
			assert.GreaterOrEqual(t, item.Relevance, 0.8)
		}
	}
}

func TestLexicalChunkTypeFilter(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Lexical: &LexicalQuery{ChunkTypes: []dualgraph.ChunkType{dualgraph.ChunkSentence}},
	})
	require.NoError(t, err)

	ids := itemIDs(resp.Items)
	assert.Contains(t, ids, "c1")
	assert.Contains(t, ids, "c2")
	for _, item := range resp.Items {
		assert.InDelta(t, typeMatchRelevance, item.Relevance, 1e-9)
	}
}

func TestDomainTypeFilter(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain: &DomainQuery{EntityTypes: []string{"person"}},
	})
	require.NoError(t, err)

	ids := itemIDs(resp.Items)
	assert.ElementsMatch(t, []string{"e1", "e3"}, ids)
}

func TestDomainNameAndRelationFilters(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain: &DomainQuery{EntityNames: []string{"alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, itemIDs(resp.Items))

	resp, err = f.processor.Execute(context.Background(), Query{
		Domain: &DomainQuery{RelationTypes: []string{"works_at"}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2"}, itemIDs(resp.Items))
}

func TestCrossGraphFilter(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		CrossGraph: &CrossGraphQuery{Types: []dualgraph.LinkType{dualgraph.LinkEntityMention}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "l1", resp.Items[0].ID)
	assert.Equal(t, KindLink, resp.Items[0].Kind)
}

func TestVectorOnlyLexicalQuery(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Lexical: &LexicalQuery{Text: "Alice Johnson works at TechCorp", Threshold: 0.2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Items)
	// The matching chunk should outrank the weather chunk.
	assert.Equal(t, "c1", resp.Items[0].ID)
}

func TestMemoryBoost(t *testing.T) {
	f := newFixture(t)

	// Heavily access e3 so boosting reorders results.
	for i := 0; i < 10; i++ {
		f.mem.Touch("e3")
	}

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain:            &DomainQuery{EntityTypes: []string{"person"}},
		EnableMemoryBoost: true,
		RecentWindow:      time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "e3", resp.Items[0].ID, "most-accessed entity should rank first")

	for _, item := range resp.Items {
		assert.LessOrEqual(t, item.Relevance, 1.0)
	}
}

func TestClusterAnnotation(t *testing.T) {
	f := newFixture(t)

	// One tight cluster around e1/e3 (same embedding space).
	e1 := f.source.entities["e1"]
	e3 := f.source.entities["e3"]
	e3.Embedding = append([]float32{}, e1.Embedding...)
	f.indexes.RebuildClusters([]cluster.Member{
		{ID: "e1", Type: "person", Embedding: e1.Embedding},
		{ID: "e3", Type: "person", Embedding: e3.Embedding},
	})
	require.NotEmpty(t, f.indexes.Clusters())

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain:         &DomainQuery{EntityTypes: []string{"person", "organization"}},
		EnableClusters: true,
	})
	require.NoError(t, err)

	var clustered, isolated int
	for _, item := range resp.Items {
		switch item.ClusterID {
		case "":
			t.Errorf("entity %s missing cluster annotation", item.ID)
		case "isolated":
			isolated++
		default:
			clustered++
		}
	}
	assert.Equal(t, 2, clustered)
	assert.Equal(t, 1, isolated)
	assert.NotEmpty(t, resp.ClusterDistribution)

	// Exactly one representative inside the cluster.
	reps := 0
	for _, item := range resp.Items {
		if item.ClusterRepresentative {
			reps++
		}
	}
	assert.Equal(t, 1, reps)
}

func TestResolutionMergesDuplicates(t *testing.T) {
	f := newFixture(t)

	// A near-duplicate of Alice with higher confidence.
	dup := &dualgraph.Entity{ID: "e9", Name: "alice johnson", Type: "person", Confidence: 0.95, CreatedAt: time.Now()}
	f.source.entities["e9"] = dup
	require.NoError(t, f.indexes.Ingest(index.Item{ID: "e9", Labels: []string{"person"}, Text: dup.Name}))

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain:           &DomainQuery{EntityTypes: []string{"person"}},
		EnableResolution: true,
	})
	require.NoError(t, err)

	ids := itemIDs(resp.Items)
	// e1 and e9 collapse into one result carrying the higher confidence.
	aliceCount := 0
	var alice *Item
	for _, item := range resp.Items {
		if item.Entity != nil && item.Entity.Type == "person" &&
			(item.ID == "e1" || item.ID == "e9") {
			aliceCount++
			alice = item
		}
	}
	require.Equal(t, 1, aliceCount, "duplicates should merge, got %v", ids)
	assert.Equal(t, 0.95, alice.Confidence)
}

func TestSortAndLimit(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Execute(context.Background(), Query{
		Domain: &DomainQuery{EntityTypes: []string{"person", "organization"}},
		SortBy: SortConfidence,
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.GreaterOrEqual(t, resp.Items[0].Confidence, resp.Items[1].Confidence)
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.processor.Execute(ctx, Query{})
	assert.Error(t, err)
}
