// Package storage provides Muninn's append-only persistence layer.
//
// State is persisted as JSONL shards under a configured directory, with
// distinct prefixes per record family and optional per-shard gzip or brotli
// compression:
//
//	<dir>/nodes_<ts>.jsonl[.gz|.br]
//	<dir>/edges_<ts>.jsonl[.gz|.br]
//	<dir>/deletions_<ts>.jsonl[.gz|.br]
//	<dir>/lexical_graphs/<id>.jsonl
//	<dir>/domain_graphs/<id>.jsonl
//	<dir>/cross_graph_links/<id>.jsonl
//	<dir>/wal.log
//	<dir>/backups/<name>/...
//
// Every line is {type, data, timestamp}; tombstones are
// {type: "node_delete"|"edge_delete", id, timestamp}. A write-ahead log
// captures every operation before it reaches a shard; recovery loads shards
// in lexicographic order, replays the WAL suffix, then applies the tombstones
// collected from both.
//
// Failure semantics: I/O errors surface to the caller but never mutate
// buffered in-memory state; unparsable lines and undecompressable shards are
// logged and skipped.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
)

// Record types written to shards and the WAL.
const (
	recordNode       = "node"
	recordEdge       = "edge"
	recordNodeDelete = "node_delete"
	recordEdgeDelete = "edge_delete"
)

// Errors surfaced by the store.
var (
	ErrClosed      = errors.New("storage closed")
	ErrDecode      = errors.New("decode error")
	ErrNoSuchBackup = errors.New("no such backup")
)

// Config tunes the persistence layer.
type Config struct {
	// Dir is the shard directory.
	Dir string `yaml:"dir"`

	// CompressionEnabled turns on shard compression.
	CompressionEnabled bool `yaml:"compressionEnabled"`

	// CompressionAlgorithm is gzip or brotli.
	CompressionAlgorithm string `yaml:"compressionAlgorithm"`

	// MaxItemsPerFile rotates shards after this many records (default 10000).
	MaxItemsPerFile int `yaml:"maxItemsPerFile"`

	// EnableWAL turns the write-ahead log on (default true via DefaultConfig).
	EnableWAL bool `yaml:"enableWAL"`

	// SyncInterval flushes buffered records periodically; zero disables the
	// background flusher (explicit Sync only).
	SyncInterval time.Duration `yaml:"syncInterval"`

	// EnableBackups permits Backup. Restore does not check it.
	EnableBackups bool `yaml:"enableBackups"`

	// BackupRetentionDays prunes older backups (default 30).
	BackupRetentionDays int `yaml:"backupRetentionDays"`
}

// DefaultConfig returns persistence defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		CompressionAlgorithm: "gzip",
		MaxItemsPerFile:      10000,
		EnableWAL:            true,
		SyncInterval:         5 * time.Second,
		EnableBackups:        true,
		BackupRetentionDays:  30,
	}
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("storage dir is required")
	}
	switch c.CompressionAlgorithm {
	case "", "gzip", "brotli":
	default:
		return fmt.Errorf("unknown compression algorithm %q", c.CompressionAlgorithm)
	}
	return nil
}

// record is one JSONL line.
type record struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"` // tombstones only
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the append-only shard writer plus recovery reader.
//
// Thread Safety: all methods are safe for concurrent use. Flushes hold the
// store lock, so records never interleave within a shard line.
type Store struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	closed bool

	// Pending records per family, drained by flush.
	pendingNodes     []record
	pendingEdges     []record
	pendingDeletions []record

	wal      *walWriter
	shardSeq uint64

	flushTicker *time.Ticker
	flushDone   chan struct{}
}

// Open creates the directory layout and starts the background flusher.
func Open(config Config, logger *zap.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxItemsPerFile <= 0 {
		config.MaxItemsPerFile = 10000
	}

	for _, sub := range []string{"", "lexical_graphs", "domain_graphs", "cross_graph_links", "backups"} {
		if err := os.MkdirAll(filepath.Join(config.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	s := &Store{config: config, logger: logger}

	if config.EnableWAL {
		wal, err := openWAL(filepath.Join(config.Dir, "wal.log"))
		if err != nil {
			return nil, err
		}
		s.wal = wal
	}

	if config.SyncInterval > 0 {
		s.flushTicker = time.NewTicker(config.SyncInterval)
		s.flushDone = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

func (s *Store) flushLoop() {
	for {
		select {
		case <-s.flushTicker.C:
			if err := s.Sync(); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warn("background flush failed", zap.Error(err))
			}
		case <-s.flushDone:
			return
		}
	}
}

func encode(recordType string, data any) (record, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return record{Type: recordType, Data: payload, Timestamp: time.Now().UTC()}, nil
}

// append stages a record after logging it to the WAL.
func (s *Store) append(family string, rec record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.wal != nil {
		if err := s.wal.write(rec); err != nil {
			return err
		}
	}
	switch family {
	case "nodes":
		s.pendingNodes = append(s.pendingNodes, rec)
	case "edges":
		s.pendingEdges = append(s.pendingEdges, rec)
	case "deletions":
		s.pendingDeletions = append(s.pendingDeletions, rec)
	}
	return nil
}

// StoreNode appends a node record.
func (s *Store) StoreNode(node *graph.Node) error {
	rec, err := encode(recordNode, node)
	if err != nil {
		return err
	}
	return s.append("nodes", rec)
}

// StoreEdge appends an edge record.
func (s *Store) StoreEdge(edge *graph.Edge) error {
	rec, err := encode(recordEdge, edge)
	if err != nil {
		return err
	}
	return s.append("edges", rec)
}

// DeleteNode appends a node tombstone.
func (s *Store) DeleteNode(id string) error {
	return s.append("deletions", record{Type: recordNodeDelete, ID: id, Timestamp: time.Now().UTC()})
}

// DeleteEdge appends an edge tombstone.
func (s *Store) DeleteEdge(id string) error {
	return s.append("deletions", record{Type: recordEdgeDelete, ID: id, Timestamp: time.Now().UTC()})
}

// StoreLexicalGraph writes a session's lexical graph to its own file.
func (s *Store) StoreLexicalGraph(sessionID string, g *dualgraph.LexicalGraph) error {
	return s.writeCatalogue("lexical_graphs", sessionID, "lexical_graph", g)
}

// StoreDomainGraph writes a session's domain graph to its own file.
func (s *Store) StoreDomainGraph(sessionID string, g *dualgraph.DomainGraph) error {
	return s.writeCatalogue("domain_graphs", sessionID, "domain_graph", g)
}

// StoreCrossLinks writes a session's cross-graph links to its own file.
func (s *Store) StoreCrossLinks(sessionID string, links []*dualgraph.CrossLink) error {
	return s.writeCatalogue("cross_graph_links", sessionID, "cross_graph_links", links)
}

// writeCatalogue serialises one catalogue value as a single-record JSONL
// file named by session id. Catalogue files are replaced, not appended: the
// engine always persists the complete per-session value.
func (s *Store) writeCatalogue(sub, sessionID, recordType string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	rec, err := encode(recordType, value)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	path := filepath.Join(s.config.Dir, sub, sanitizeID(sessionID)+".jsonl")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(line, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Sync flushes all pending records to shards and fsyncs, then truncates the
// WAL (everything durable is now in shards).
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	families := []struct {
		prefix  string
		pending *[]record
	}{
		{"nodes", &s.pendingNodes},
		{"edges", &s.pendingEdges},
		{"deletions", &s.pendingDeletions},
	}

	wrote := false
	for _, f := range families {
		for len(*f.pending) > 0 {
			batch := *f.pending
			if len(batch) > s.config.MaxItemsPerFile {
				batch = batch[:s.config.MaxItemsPerFile]
			}
			if err := s.writeShard(f.prefix, batch); err != nil {
				return err
			}
			*f.pending = (*f.pending)[len(batch):]
			wrote = true
		}
		*f.pending = nil
	}

	if wrote && s.wal != nil {
		if err := s.wal.truncate(); err != nil {
			return err
		}
	}
	return nil
}

// shardName names shard files so lexicographic order is load order.
func (s *Store) shardName(prefix string) string {
	s.shardSeq++
	name := fmt.Sprintf("%s_%s_%06d.jsonl", prefix, time.Now().UTC().Format("20060102T150405.000000000"), s.shardSeq)
	if s.config.CompressionEnabled {
		switch s.config.CompressionAlgorithm {
		case "brotli":
			name += ".br"
		default:
			name += ".gz"
		}
	}
	return name
}

func (s *Store) writeShard(prefix string, records []record) error {
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if s.config.CompressionEnabled {
		compressed, err := compress(buf, s.config.CompressionAlgorithm)
		if err != nil {
			return err
		}
		buf = compressed
	}

	path := filepath.Join(s.config.Dir, s.shardName(prefix))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Pending returns the number of records accepted but not yet flushed to
// shards.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingNodes) + len(s.pendingEdges) + len(s.pendingDeletions)
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	err := s.flushLocked()
	s.closed = true
	if s.wal != nil {
		if werr := s.wal.close(); err == nil {
			err = werr
		}
	}
	ticker, done := s.flushTicker, s.flushDone
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(done)
	}
	return err
}

// sanitizeID keeps catalogue file names path-safe.
func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}
