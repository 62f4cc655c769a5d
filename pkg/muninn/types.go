// Package muninn provides the engine API for embedded use.
//
// The engine is an in-process, durable knowledge-graph memory for agent
// runtimes. Callers submit natural-language utterances through AddMemory and
// retrieve semantically relevant entities, relationships, and text fragments
// through QueryMemory; a dual lexical/domain graph with cross-graph links is
// maintained underneath, persisted as append-only JSONL shards.
//
// Example Usage:
//
//	cfg := config.DefaultConfig("./data")
//	engine, err := muninn.Open(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	result, err := engine.AddMemory(ctx, "Alice Johnson works at TechCorp.", muninn.Context{
//		SessionID: "session-1",
//	})
//
//	response, err := engine.QueryMemory(ctx, query.Query{
//		Lexical: &query.LexicalQuery{Text: "where does Alice work"},
//	}, muninn.Context{SessionID: "session-1"})
package muninn

import (
	"time"

	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/query"
)

// ErrorKind names the semantic error classes surfaced in results.
type ErrorKind string

const (
	ErrCapacityExceeded    ErrorKind = "capacity_exceeded"
	ErrMissingEndpoint     ErrorKind = "missing_endpoint"
	ErrDimensionMismatch   ErrorKind = "dimension_mismatch"
	ErrNotInitialized      ErrorKind = "not_initialized"
	ErrInvalidConfig       ErrorKind = "invalid_config"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrDecodeError         ErrorKind = "decode_error"
	ErrCancelled           ErrorKind = "cancelled"
	ErrDeadlineExceeded    ErrorKind = "deadline_exceeded"
	ErrConsistency         ErrorKind = "consistency_violation"
)

// EngineError is one structured error carried alongside partial outputs.
type EngineError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Context carries caller metadata on every API call.
type Context struct {
	UserID    string
	SessionID string
	Timestamp time.Time
	Source    string

	// RelevantEntities hints at entity ids the caller already cares about;
	// they are marked accessed for memory prioritisation.
	RelevantEntities []string
}

func (c *Context) sessionID() string {
	if c == nil || c.SessionID == "" {
		return "default"
	}
	return c.SessionID
}

// EntityAction records what an ingest did with one extracted entity.
type EntityAction string

const (
	ActionCreated EntityAction = "created"
	ActionUpdated EntityAction = "updated"
)

// IngestedEntity is one entity outcome of AddMemory.
type IngestedEntity struct {
	Entity *dualgraph.Entity `json:"entity"`
	Action EntityAction      `json:"action"`
}

// AddMemoryResult is the outcome of one ingest.
type AddMemoryResult struct {
	Entities      []IngestedEntity      `json:"entities"`
	Relationships []*dualgraph.Relation `json:"relationships"`
	DualGraph     *dualgraph.Result     `json:"dualGraphResult,omitempty"`

	Metadata AddMemoryMetadata `json:"metadata"`
	Errors   []EngineError     `json:"errors,omitempty"`
}

// AddMemoryMetadata summarises the ingest.
type AddMemoryMetadata struct {
	SessionID        string        `json:"sessionId"`
	ChunkCount       int           `json:"chunkCount"`
	LinkCount        int           `json:"linkCount"`
	EvictedCount     int           `json:"evictedCount"`
	InvalidatedCount int           `json:"invalidatedCount"`
	Duration         time.Duration `json:"duration"`
}

// Subgraph is the neighborhood attached to query results.
type Subgraph struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
	Paths [][]string    `json:"paths"`
}

// QueryMemoryResult is the outcome of one query.
type QueryMemoryResult struct {
	Entities      []*dualgraph.Entity   `json:"entities"`
	Relationships []*dualgraph.Relation `json:"relationships"`
	Subgraph      Subgraph              `json:"subgraph"`
	DualGraph     *query.Response       `json:"dualGraphResults,omitempty"`

	Metadata QueryMetadata `json:"metadata"`
	Errors   []EngineError `json:"errors,omitempty"`
}

// QueryMetadata summarises query execution.
type QueryMetadata struct {
	TotalResults int           `json:"totalResults"`
	FromCache    bool          `json:"fromCache"`
	Duration     time.Duration `json:"duration"`
}

// Metrics is the engine health snapshot.
type Metrics struct {
	NodeCount      int            `json:"nodeCount"`
	EdgeCount      int            `json:"edgeCount"`
	Density        float64        `json:"density"`
	EstimatedBytes int64          `json:"estimatedBytes"`
	CacheHitRate   float64        `json:"cacheHitRate"`
	PendingChanges int            `json:"pendingChanges"`
	IndexSizes     map[string]int `json:"indexSizes"`
	ClusterCount   int            `json:"clusterCount"`
	Evictions      uint64         `json:"evictions"`
	TrackedAccess  int            `json:"trackedAccess"`
	SessionCount   int            `json:"sessionCount"`
}
