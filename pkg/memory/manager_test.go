package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackAndTouch(t *testing.T) {
	m := NewManager(Config{})

	m.Track("a", time.Now())
	assert.Equal(t, uint64(1), m.AccessFrequency("a"))

	m.Touch("a")
	m.Touch("a")
	assert.Equal(t, uint64(3), m.AccessFrequency("a"))

	// Tracking an existing id is a touch, not a reset.
	m.Track("a", time.Now())
	assert.Equal(t, uint64(4), m.AccessFrequency("a"))

	assert.Equal(t, uint64(0), m.AccessFrequency("ghost"))
}

func TestRecentlyAccessedOrder(t *testing.T) {
	m := NewManager(Config{})
	m.Track("a", time.Now())
	m.Track("b", time.Now())
	m.Track("c", time.Now())
	m.Touch("a")

	recent := m.RecentlyAccessed(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0])
	assert.Equal(t, "c", recent[1])
}

func TestOverflowLRU(t *testing.T) {
	m := NewManager(Config{MaxMemoryNodes: 2, Strategy: StrategyLRU})
	m.Track("oldest", time.Now())
	m.Track("middle", time.Now())
	m.Track("newest", time.Now())

	victims := m.Overflow()
	require.Equal(t, []string{"oldest"}, victims)

	// Victims stay tracked until confirmed.
	assert.Equal(t, 3, m.Size())
	m.Remove("oldest")
	assert.Equal(t, 2, m.Size())
	assert.Nil(t, m.Overflow())
	assert.Equal(t, uint64(1), m.Evictions())
}

func TestOverflowLFU(t *testing.T) {
	m := NewManager(Config{MaxMemoryNodes: 2, Strategy: StrategyLFU})
	m.Track("popular", time.Now())
	m.Touch("popular")
	m.Touch("popular")
	m.Track("meh", time.Now())
	m.Touch("meh")
	m.Track("unloved", time.Now())

	victims := m.Overflow()
	assert.Equal(t, []string{"unloved"}, victims)
}

func TestOverflowTemporal(t *testing.T) {
	m := NewManager(Config{MaxMemoryNodes: 2, Strategy: StrategyTemporal})
	old := time.Now().Add(-48 * time.Hour)
	m.Track("ancient", old)
	m.Track("recent", time.Now())
	m.Track("newer", time.Now())

	// Touching the ancient record does not save it under temporal policy.
	m.Touch("ancient")

	victims := m.Overflow()
	assert.Equal(t, []string{"ancient"}, victims)
}

func TestOverflowUnbounded(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 100; i++ {
		m.Track(string(rune('a'+i%26))+string(rune('0'+i/26)), time.Now())
	}
	assert.Nil(t, m.Overflow())
}

func TestBoostEntities(t *testing.T) {
	m := NewManager(Config{})
	m.Track("hot", time.Now())
	m.Touch("hot")
	m.Touch("hot")
	m.Track("cold", time.Now())

	hot, ok := m.Boost("hot", false, time.Hour)
	require.True(t, ok)
	cold, ok := m.Boost("cold", false, time.Hour)
	require.True(t, ok)

	// Recent + max-frequency entity: 0.6 + 0.4 = 1.0.
	assert.InDelta(t, 1.0, hot, 1e-9)
	assert.Greater(t, hot, cold)
	assert.LessOrEqual(t, hot, 1.0)

	_, ok = m.Boost("ghost", false, time.Hour)
	assert.False(t, ok)
}

func TestBoostChunksIncludeAge(t *testing.T) {
	m := NewManager(Config{})
	m.Track("fresh-chunk", time.Now())

	boost, ok := m.Boost("fresh-chunk", true, time.Hour)
	require.True(t, ok)
	// 0.4 recent + 0.3 freq (max) + ~0.3 age-near-zero
	assert.InDelta(t, 1.0, boost, 0.01)
	assert.LessOrEqual(t, boost, 1.0)
}

func TestMaxFrequency(t *testing.T) {
	m := NewManager(Config{})
	assert.Equal(t, uint64(0), m.MaxFrequency())
	m.Track("a", time.Now())
	m.Touch("a")
	m.Track("b", time.Now())
	assert.Equal(t, uint64(2), m.MaxFrequency())
}
