// Package config loads and validates Muninn engine configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. Defaults (DefaultConfig)
//  2. A YAML document (Load / Parse)
//  3. MUNINN_* environment variables (LoadFromEnv applies on top)
//
// Example YAML:
//
//	graph:
//	  maxNodes: 100000
//	  maxEdgesPerNode: 1000
//	  enableTemporal: true
//	resolution:
//	  fuzzyThreshold: 0.8
//	memory:
//	  maxMemoryNodes: 50000
//	  evictionStrategy: lru
//	storage:
//	  dir: ./data
//	  compressionEnabled: true
//	  compressionAlgorithm: gzip
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/muninn/pkg/cluster"
	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/memory"
	"github.com/orneryd/muninn/pkg/resolve"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/temporal"
)

// GraphConfig bounds the graph store.
type GraphConfig struct {
	MaxNodes                  int     `yaml:"maxNodes"`
	MaxEdgesPerNode           int     `yaml:"maxEdgesPerNode"`
	EntityResolutionThreshold float64 `yaml:"entityResolutionThreshold"`
	EnableTemporal            bool    `yaml:"enableTemporal"`
}

// QueryConfig tunes the unified query processor surface.
type QueryConfig struct {
	// PhraseFallback degrades phrase text queries to all-token
	// intersection instead of failing them. Off by default so the missing
	// positional index is visible, not silent.
	PhraseFallback bool `yaml:"phraseFallback"`

	// CacheSize and CacheTTL bound the query result cache.
	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// ProcessingConfig bounds the ingest scheduler.
type ProcessingConfig struct {
	// MaxConcurrentSessions bounds parallel ingestion across sessions.
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"`

	// IngestTimeout bounds one addMemory call end to end; zero disables.
	IngestTimeout time.Duration `yaml:"ingestTimeout"`
}

// Config is the complete engine configuration.
type Config struct {
	Graph      GraphConfig      `yaml:"graph"`
	Extraction dualgraph.Config `yaml:"extraction"`
	Resolution resolve.Config   `yaml:"resolution"`
	Memory     memory.Config    `yaml:"memory"`
	Cluster    cluster.Config   `yaml:"clustering"`
	Temporal   temporal.Config  `yaml:"temporal"`
	Storage    storage.Config   `yaml:"storage"`
	Embedding  embed.Config     `yaml:"embedding"`
	Query      QueryConfig      `yaml:"query"`
	Processing ProcessingConfig `yaml:"processing"`

	// AnalysisProvider names the text-analysis provider ("rules", "prose").
	AnalysisProvider string `yaml:"analysisProvider"`

	// PersistenceEnabled turns the storage layer on.
	PersistenceEnabled bool `yaml:"persistenceEnabled"`
}

// DefaultConfig returns the engine defaults, persisting under dir when
// persistence is enabled.
func DefaultConfig(dir string) *Config {
	return &Config{
		Graph: GraphConfig{
			MaxNodes:                  100000,
			MaxEdgesPerNode:           1000,
			EntityResolutionThreshold: 0.8,
			EnableTemporal:            true,
		},
		Extraction: dualgraph.DefaultConfig(),
		Resolution: resolve.DefaultConfig(),
		Memory:     memory.Config{MaxMemoryNodes: 50000, Strategy: memory.StrategyLRU},
		Cluster:    cluster.DefaultConfig(),
		Temporal:   temporal.DefaultConfig(),
		Storage:    storage.DefaultConfig(dir),
		Embedding:  *embed.DefaultConfig(),
		Query: QueryConfig{
			PhraseFallback: false,
			CacheSize:      256,
			CacheTTL:       time.Minute,
		},
		Processing: ProcessingConfig{
			MaxConcurrentSessions: 8,
			IngestTimeout:         30 * time.Second,
		},
		AnalysisProvider:   "rules",
		PersistenceEnabled: dir != "",
	}
}

// Load reads a YAML file over the defaults and applies env overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()
	return cfg, nil
}

// Parse unmarshals YAML over the defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies MUNINN_* environment overrides in place.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("MUNINN_DATA_DIR"); v != "" {
		c.Storage.Dir = v
		c.PersistenceEnabled = true
	}
	if v, ok := envInt("MUNINN_GRAPH_MAX_NODES"); ok {
		c.Graph.MaxNodes = v
	}
	if v, ok := envInt("MUNINN_GRAPH_MAX_EDGES_PER_NODE"); ok {
		c.Graph.MaxEdgesPerNode = v
	}
	if v, ok := envBool("MUNINN_TEMPORAL_ENABLED"); ok {
		c.Graph.EnableTemporal = v
	}
	if v, ok := envInt("MUNINN_MEMORY_MAX_NODES"); ok {
		c.Memory.MaxMemoryNodes = v
	}
	if v := os.Getenv("MUNINN_MEMORY_EVICTION"); v != "" {
		c.Memory.Strategy = memory.Strategy(v)
	}
	if v := os.Getenv("MUNINN_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("MUNINN_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("MUNINN_EMBEDDING_API_URL"); v != "" {
		c.Embedding.APIURL = v
	}
	if v := os.Getenv("MUNINN_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("MUNINN_ANALYSIS_PROVIDER"); v != "" {
		c.AnalysisProvider = v
	}
	if v, ok := envBool("MUNINN_STORAGE_COMPRESSION"); ok {
		c.Storage.CompressionEnabled = v
	}
	if v := os.Getenv("MUNINN_STORAGE_COMPRESSION_ALGORITHM"); v != "" {
		c.Storage.CompressionAlgorithm = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Graph.MaxNodes < 0 || c.Graph.MaxEdgesPerNode < 0 {
		return fmt.Errorf("graph capacities must be non-negative")
	}
	if c.Graph.EntityResolutionThreshold < 0 || c.Graph.EntityResolutionThreshold > 1 {
		return fmt.Errorf("entityResolutionThreshold must be in [0, 1]")
	}
	switch c.Memory.Strategy {
	case "", memory.StrategyLRU, memory.StrategyLFU, memory.StrategyTemporal:
	default:
		return fmt.Errorf("unknown eviction strategy %q", c.Memory.Strategy)
	}
	if c.PersistenceEnabled {
		if err := c.Storage.Validate(); err != nil {
			return err
		}
	}
	if c.Processing.MaxConcurrentSessions < 0 {
		return fmt.Errorf("maxConcurrentSessions must be non-negative")
	}
	return nil
}
