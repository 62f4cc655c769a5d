package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
)

func newTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	config := DefaultConfig(t.TempDir())
	config.SyncInterval = 0 // explicit Sync in tests
	if mutate != nil {
		mutate(&config)
	}
	store, err := Open(config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRoundTripNodesAndEdges(t *testing.T) {
	store := newTestStore(t, nil)

	node := &graph.Node{ID: "n1", Type: "person", Properties: map[string]any{"name": "Alice"}, Embedding: []float32{0.1, 0.2}, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.StoreNode(node))
	require.NoError(t, store.StoreNode(&graph.Node{ID: "n2", Type: "organization", CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.StoreEdge(&graph.Edge{ID: "e1", Source: "n1", Target: "n2", Type: "works_at", Weight: 0.9, CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.Sync())

	snapshot, err := store.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.Nodes, 2)
	require.Len(t, snapshot.Edges, 1)

	loaded := snapshot.Nodes["n1"]
	assert.Equal(t, "person", loaded.Type)
	assert.Equal(t, "Alice", loaded.Properties["name"])
	// Embeddings reload as fixed-width float32 arrays.
	assert.Equal(t, []float32{0.1, 0.2}, loaded.Embedding)
}

func TestTombstones(t *testing.T) {
	store := newTestStore(t, nil)

	require.NoError(t, store.StoreNode(&graph.Node{ID: "n1", Type: "person"}))
	require.NoError(t, store.StoreNode(&graph.Node{ID: "n2", Type: "person"}))
	require.NoError(t, store.StoreEdge(&graph.Edge{ID: "e1", Source: "n1", Target: "n2", Type: "knows"}))
	require.NoError(t, store.Sync())

	require.NoError(t, store.DeleteNode("n1"))
	require.NoError(t, store.Sync())

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, snapshot.Nodes, "n1")
	assert.Contains(t, snapshot.Nodes, "n2")
	// Edges incident to the deleted node are gone too.
	assert.Empty(t, snapshot.Edges)
}

func TestWALSurvivesWithoutSync(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.SyncInterval = 0

	store, err := Open(config, nil)
	require.NoError(t, err)
	require.NoError(t, store.StoreNode(&graph.Node{ID: "n1", Type: "person"}))
	// No Sync: the record lives only in the WAL.

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, snapshot.Nodes, "n1")
	require.NoError(t, store.Close())

	// A fresh store over the same directory replays the WAL suffix.
	reopened, err := Open(config, nil)
	require.NoError(t, err)
	defer reopened.Close()

	snapshot, err = reopened.Load()
	require.NoError(t, err)
	assert.Contains(t, snapshot.Nodes, "n1")
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, algorithm := range []string{"gzip", "brotli"} {
		t.Run(algorithm, func(t *testing.T) {
			store := newTestStore(t, func(c *Config) {
				c.CompressionEnabled = true
				c.CompressionAlgorithm = algorithm
			})

			require.NoError(t, store.StoreNode(&graph.Node{ID: "n1", Type: "concept"}))
			require.NoError(t, store.Sync())

			// The shard carries the right extension.
			entries, err := os.ReadDir(store.config.Dir)
			require.NoError(t, err)
			found := false
			want := ".gz"
			if algorithm == "brotli" {
				want = ".br"
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "nodes_") {
					assert.True(t, strings.HasSuffix(e.Name(), want), e.Name())
					found = true
				}
			}
			assert.True(t, found)

			snapshot, err := store.Load()
			require.NoError(t, err)
			assert.Contains(t, snapshot.Nodes, "n1")
		})
	}
}

func TestBadLinesSkipped(t *testing.T) {
	store := newTestStore(t, nil)
	require.NoError(t, store.StoreNode(&graph.Node{ID: "good", Type: "concept"}))
	require.NoError(t, store.Sync())

	// Corrupt shard alongside the good one.
	bad := filepath.Join(store.config.Dir, "nodes_00000000T000000.000000000_000000.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{not json}\n"), 0o644))

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, snapshot.Nodes, "good")
}

func TestUndecompressableShardSkipped(t *testing.T) {
	store := newTestStore(t, nil)
	require.NoError(t, store.StoreNode(&graph.Node{ID: "good", Type: "concept"}))
	require.NoError(t, store.Sync())

	// A .gz shard with garbage bytes is logged and skipped.
	bad := filepath.Join(store.config.Dir, "nodes_99999999T999999.999999999_999999.jsonl.gz")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not gzip"), 0o644))

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, snapshot.Nodes, "good")
}

func TestCatalogueRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)

	lex := &dualgraph.LexicalGraph{
		ID: "lg1",
		Chunks: []*dualgraph.Chunk{
			{ID: "c1", Content: "hello world", Type: dualgraph.ChunkSentence, Confidence: 0.9, Embedding: []float32{1, 0}},
		},
		TokenIndex: map[string][]string{"hello": {"c1"}},
		TypeIndex:  map[dualgraph.ChunkType][]string{dualgraph.ChunkSentence: {"c1"}},
	}
	require.NoError(t, store.StoreLexicalGraph("session-1", lex))

	dom := &dualgraph.DomainGraph{
		ID:       "dg1",
		Entities: []*dualgraph.Entity{{ID: "e1", Name: "Alice", Type: "person", Confidence: 0.9}},
	}
	require.NoError(t, store.StoreDomainGraph("session-1", dom))

	links := []*dualgraph.CrossLink{{
		ID: "l1", SourceGraph: dualgraph.GraphLexical, TargetGraph: dualgraph.GraphDomain,
		SourceID: "c1", TargetID: "e1", Type: dualgraph.LinkEntityMention, Confidence: 0.95,
	}}
	require.NoError(t, store.StoreCrossLinks("session-1", links))

	snapshot, err := store.Load()
	require.NoError(t, err)

	require.Contains(t, snapshot.Lexical, "session-1")
	assert.Equal(t, "hello world", snapshot.Lexical["session-1"].Chunks[0].Content)
	assert.Equal(t, []float32{1, 0}, snapshot.Lexical["session-1"].Chunks[0].Embedding)

	require.Contains(t, snapshot.Domain, "session-1")
	assert.Equal(t, "Alice", snapshot.Domain["session-1"].Entities[0].Name)

	require.Contains(t, snapshot.Links, "session-1")
	assert.Equal(t, dualgraph.LinkEntityMention, snapshot.Links["session-1"][0].Type)
}

func TestCatalogueReplacedNotAppended(t *testing.T) {
	store := newTestStore(t, nil)

	require.NoError(t, store.StoreDomainGraph("s1", &dualgraph.DomainGraph{ID: "old"}))
	require.NoError(t, store.StoreDomainGraph("s1", &dualgraph.DomainGraph{ID: "new"}))

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new", snapshot.Domain["s1"].ID)
}

func TestBackupRestore(t *testing.T) {
	store := newTestStore(t, nil)

	require.NoError(t, store.StoreNode(&graph.Node{ID: "keep", Type: "concept"}))
	require.NoError(t, store.Backup("before-disaster"))

	require.NoError(t, store.StoreNode(&graph.Node{ID: "junk", Type: "concept"}))
	require.NoError(t, store.Sync())

	backups, err := store.Backups()
	require.NoError(t, err)
	assert.Contains(t, backups, "before-disaster")

	require.NoError(t, store.Restore("before-disaster"))
	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, snapshot.Nodes, "keep")
	assert.NotContains(t, snapshot.Nodes, "junk")

	assert.ErrorIs(t, store.Restore("never-existed"), ErrNoSuchBackup)
}

func TestPruneBackups(t *testing.T) {
	store := newTestStore(t, func(c *Config) { c.BackupRetentionDays = 7 })

	require.NoError(t, store.StoreNode(&graph.Node{ID: "n1", Type: "concept"}))
	require.NoError(t, store.Backup("ancient"))

	// Age the backup directory past retention.
	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(filepath.Join(store.config.Dir, "backups", "ancient"), old, old))

	pruned, err := store.PruneBackups(time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"ancient"}, pruned)

	backups, err := store.Backups()
	require.NoError(t, err)
	assert.NotContains(t, backups, "ancient")
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store := newTestStore(t, nil)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.StoreNode(&graph.Node{ID: "n1"}), ErrClosed)
	assert.ErrorIs(t, store.Sync(), ErrClosed)
}
