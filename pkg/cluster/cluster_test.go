package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// axisMembers builds n members near each coordinate axis, one axis per type.
func axisMembers(perAxis int) []Member {
	types := []string{"person", "organization", "concept"}
	var members []Member
	for axis := 0; axis < 3; axis++ {
		for i := 0; i < perAxis; i++ {
			emb := make([]float32, 3)
			emb[axis] = 1
			emb[(axis+1)%3] = float32(i) * 0.02
			members = append(members, Member{
				ID:        fmt.Sprintf("%s-%d", types[axis], i),
				Type:      types[axis],
				Embedding: emb,
			})
		}
	}
	return members
}

func TestKMeansSeparatesAxes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 3
	engine := NewEngine(cfg)

	clusters := engine.KMeans(axisMembers(5))
	require.Len(t, clusters, 3)

	for _, c := range clusters {
		assert.Len(t, c.MemberIDs, 5)
		assert.Greater(t, c.Confidence, 0.9)
		assert.NotEmpty(t, c.Theme)
		assert.NotEmpty(t, c.Representative())
		// Theme reflects the plurality (here: unanimous) member type.
		for _, id := range c.MemberIDs {
			assert.Contains(t, id, c.Theme)
		}
	}
}

func TestKMeansRespectsMaxClusters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 2
	engine := NewEngine(cfg)

	clusters := engine.KMeans(axisMembers(4))
	assert.LessOrEqual(t, len(clusters), 2)
}

func TestMinClusterSizeDiscards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 5
	cfg.MinClusterSize = 3
	engine := NewEngine(cfg)

	members := []Member{
		{ID: "a", Type: "person", Embedding: []float32{1, 0}},
		{ID: "b", Type: "person", Embedding: []float32{0.99, 0.01}},
		{ID: "lone", Type: "event", Embedding: []float32{0, 1}},
	}
	clusters := engine.KMeans(members)
	for _, c := range clusters {
		assert.GreaterOrEqual(t, len(c.MemberIDs), 3)
	}
}

func TestKMeansSkipsBadEmbeddings(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	members := []Member{
		{ID: "a", Type: "person", Embedding: []float32{1, 0}},
		{ID: "b", Type: "person", Embedding: []float32{0.9, 0.1}},
		{ID: "no-emb", Type: "person"},
		{ID: "wrong-dim", Type: "person", Embedding: []float32{1, 0, 0}},
	}
	clusters := engine.KMeans(members)
	for _, c := range clusters {
		assert.NotContains(t, c.MemberIDs, "no-emb")
		assert.NotContains(t, c.MemberIDs, "wrong-dim")
	}
}

func TestThresholdClustering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.95
	engine := NewEngine(cfg)

	members := []Member{
		{ID: "a1", Type: "person", Embedding: []float32{1, 0, 0}},
		{ID: "a2", Type: "person", Embedding: []float32{0.99, 0.01, 0}},
		{ID: "b1", Type: "concept", Embedding: []float32{0, 1, 0}},
		{ID: "b2", Type: "concept", Embedding: []float32{0, 0.99, 0.01}},
	}
	clusters := engine.Threshold(members)
	require.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.Len(t, c.MemberIDs, 2)
	}
}

func TestClusterIDStable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 3
	engine := NewEngine(cfg)
	members := axisMembers(3)

	first := engine.KMeans(members)
	second := engine.KMeans(members)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].MemberIDs, second[i].MemberIDs)
	}
}

func TestFindRelated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 3
	engine := NewEngine(cfg)
	clusters := engine.KMeans(axisMembers(4))
	require.NotEmpty(t, clusters)

	related := FindRelated([]float32{1, 0, 0}, clusters, 2)
	require.NotEmpty(t, related)
	assert.LessOrEqual(t, len(related), 2)

	// The nearest cluster should be the one hugging the x axis.
	assert.Contains(t, related[0].MemberIDs[0], "person")

	// Dimension-mismatched queries match nothing.
	assert.Empty(t, FindRelated([]float32{1, 0}, clusters, 2))
}

func TestTooFewMembers(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	assert.Nil(t, engine.KMeans([]Member{{ID: "only", Type: "person", Embedding: []float32{1}}}))
	assert.Nil(t, engine.Threshold(nil))
}
