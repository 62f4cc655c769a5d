package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/dualgraph"
	"github.com/orneryd/muninn/pkg/graph"
)

// Snapshot is the reconstructed persistent state.
type Snapshot struct {
	Nodes map[string]*graph.Node
	Edges map[string]*graph.Edge

	Lexical map[string]*dualgraph.LexicalGraph
	Domain  map[string]*dualgraph.DomainGraph
	Links   map[string][]*dualgraph.CrossLink
}

// Load reconstructs state from disk: shards in lexicographic order, then
// the WAL suffix, then the tombstones collected from both, then the
// per-session catalogues.
// Unparsable lines and undecompressable shards are logged and skipped.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	snapshot := &Snapshot{
		Nodes:   make(map[string]*graph.Node),
		Edges:   make(map[string]*graph.Edge),
		Lexical: make(map[string]*dualgraph.LexicalGraph),
		Domain:  make(map[string]*dualgraph.DomainGraph),
		Links:   make(map[string][]*dualgraph.CrossLink),
	}

	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return nil, err
	}

	var shardNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "nodes_") || strings.HasPrefix(name, "edges_") || strings.HasPrefix(name, "deletions_") {
			shardNames = append(shardNames, name)
		}
	}
	sort.Strings(shardNames)

	// Deletions apply after all shards load; collect them first.
	var tombstones []record

	for _, name := range shardNames {
		records, err := s.readShard(name)
		if err != nil {
			s.logger.Warn("skipping unreadable shard", zap.String("shard", name), zap.Error(err))
			continue
		}
		for _, rec := range records {
			s.applyRecord(snapshot, rec, &tombstones)
		}
	}

	// WAL suffix: operations accepted after the last shard fsync.
	if s.config.EnableWAL {
		walRecords, err := readWAL(filepath.Join(s.config.Dir, "wal.log"))
		if err != nil {
			s.logger.Warn("wal replay failed", zap.Error(err))
		}
		for _, rec := range walRecords {
			s.applyRecord(snapshot, rec, &tombstones)
		}
	}

	for _, rec := range tombstones {
		switch rec.Type {
		case recordNodeDelete:
			delete(snapshot.Nodes, rec.ID)
			// Referential integrity: edges incident to a deleted node go
			// with it.
			for id, edge := range snapshot.Edges {
				if edge.Source == rec.ID || edge.Target == rec.ID {
					delete(snapshot.Edges, id)
				}
			}
		case recordEdgeDelete:
			delete(snapshot.Edges, rec.ID)
		}
	}

	if err := s.loadCatalogues(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Store) applyRecord(snapshot *Snapshot, rec record, tombstones *[]record) {
	switch rec.Type {
	case recordNode:
		var node graph.Node
		if err := json.Unmarshal(rec.Data, &node); err != nil {
			s.logger.Warn("skipping bad node record", zap.Error(err))
			return
		}
		snapshot.Nodes[node.ID] = &node
	case recordEdge:
		var edge graph.Edge
		if err := json.Unmarshal(rec.Data, &edge); err != nil {
			s.logger.Warn("skipping bad edge record", zap.Error(err))
			return
		}
		snapshot.Edges[edge.ID] = &edge
	case recordNodeDelete, recordEdgeDelete:
		*tombstones = append(*tombstones, rec)
	}
}

func (s *Store) readShard(name string) ([]record, error) {
	raw, err := os.ReadFile(filepath.Join(s.config.Dir, name))
	if err != nil {
		return nil, err
	}
	data, err := decompressByName(name, raw)
	if err != nil {
		return nil, err
	}

	var records []record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping unparsable line", zap.String("shard", name), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func (s *Store) loadCatalogues(snapshot *Snapshot) error {
	load := func(sub string, apply func(id string, data json.RawMessage)) error {
		dir := filepath.Join(s.config.Dir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				s.logger.Warn("skipping unreadable catalogue", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			var rec record
			if err := json.Unmarshal(bytes.TrimSpace(raw), &rec); err != nil {
				s.logger.Warn("skipping unparsable catalogue", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			apply(strings.TrimSuffix(entry.Name(), ".jsonl"), rec.Data)
		}
		return nil
	}

	if err := load("lexical_graphs", func(id string, data json.RawMessage) {
		var g dualgraph.LexicalGraph
		if err := json.Unmarshal(data, &g); err != nil {
			s.logger.Warn("bad lexical graph", zap.String("session", id), zap.Error(err))
			return
		}
		snapshot.Lexical[id] = &g
	}); err != nil {
		return err
	}

	if err := load("domain_graphs", func(id string, data json.RawMessage) {
		var g dualgraph.DomainGraph
		if err := json.Unmarshal(data, &g); err != nil {
			s.logger.Warn("bad domain graph", zap.String("session", id), zap.Error(err))
			return
		}
		snapshot.Domain[id] = &g
	}); err != nil {
		return err
	}

	return load("cross_graph_links", func(id string, data json.RawMessage) {
		var links []*dualgraph.CrossLink
		if err := json.Unmarshal(data, &links); err != nil {
			s.logger.Warn("bad cross-link catalogue", zap.String("session", id), zap.Error(err))
			return
		}
		snapshot.Links[id] = links
	})
}
