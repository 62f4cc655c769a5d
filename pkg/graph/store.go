package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is a thread-safe in-memory graph with adjacency indexes.
//
// Performance Characteristics:
//   - Node lookup by ID: O(1)
//   - Edge lookup by ID: O(1)
//   - Incident edges either direction: O(degree)
//   - Memory: roughly proportional to nodes + edges + property payloads
//
// Thread Safety:
//
//	All public methods are safe for concurrent use. Returned nodes and
//	edges are deep copies; mutating them never affects the store.
type Store struct {
	mu     sync.RWMutex
	config StoreConfig
	closed bool

	nodes map[string]*Node
	edges map[string]*Edge

	outgoing map[string]map[string]struct{} // nodeID -> edgeIDs
	incoming map[string]map[string]struct{} // nodeID -> edgeIDs

	embeddingDim int // fixed after first embedded node

	opLog []Operation
}

// NewStore creates an empty store with the given bounds.
func NewStore(config StoreConfig) *Store {
	if config.OperationLogSize <= 0 {
		config.OperationLogSize = 100
	}
	return &Store{
		config:   config,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outgoing: make(map[string]map[string]struct{}),
		incoming: make(map[string]map[string]struct{}),
	}
}

// AddNode inserts a node. Fails with ErrCapacityExceeded when MaxNodes is
// reached, ErrAlreadyExists on id collision, and ErrDimensionMismatch when
// the node carries an embedding whose dimension differs from the first
// embedded node in this store.
func (s *Store) AddNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}
	if s.config.MaxNodes > 0 && len(s.nodes) >= s.config.MaxNodes {
		return fmt.Errorf("%w: node limit %d", ErrCapacityExceeded, s.config.MaxNodes)
	}
	if len(node.Embedding) > 0 {
		if s.embeddingDim == 0 {
			s.embeddingDim = len(node.Embedding)
		} else if len(node.Embedding) != s.embeddingDim {
			return fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(node.Embedding), s.embeddingDim)
		}
	}

	stored := copyNode(node)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.nodes[stored.ID] = stored
	s.logOp("add_node", stored.ID)
	return nil
}

// UpdateNode replaces the stored node, preserving its creation time.
func (s *Store) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	existing, exists := s.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}
	if len(node.Embedding) > 0 && s.embeddingDim > 0 && len(node.Embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(node.Embedding), s.embeddingDim)
	}

	stored := copyNode(node)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	s.nodes[stored.ID] = stored
	return nil
}

// GetNode returns a deep copy of the node, or ErrNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// HasNode reports whether the node exists.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// RemoveNode deletes a node and cascades to every incident edge.
func (s *Store) RemoveNode(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.nodes[id]; !exists {
		return ErrNotFound
	}

	for edgeID := range s.outgoing[id] {
		if edge := s.edges[edgeID]; edge != nil {
			if in := s.incoming[edge.Target]; in != nil {
				delete(in, edgeID)
			}
		}
		delete(s.edges, edgeID)
	}
	delete(s.outgoing, id)

	for edgeID := range s.incoming[id] {
		if edge := s.edges[edgeID]; edge != nil {
			if out := s.outgoing[edge.Source]; out != nil {
				delete(out, edgeID)
			}
		}
		delete(s.edges, edgeID)
	}
	delete(s.incoming, id)

	delete(s.nodes, id)
	s.logOp("remove_node", id)
	return nil
}

// AddEdge inserts an edge. Both endpoints must exist (ErrMissingEndpoint);
// the source's outgoing-edge count must stay within MaxEdgesPerNode
// (ErrCapacityExceeded). Weight is clamped to [0, 1].
func (s *Store) AddEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, ok := s.nodes[edge.Source]; !ok {
		return fmt.Errorf("%w: source %q", ErrMissingEndpoint, edge.Source)
	}
	if _, ok := s.nodes[edge.Target]; !ok {
		return fmt.Errorf("%w: target %q", ErrMissingEndpoint, edge.Target)
	}
	if s.config.MaxEdgesPerNode > 0 && len(s.outgoing[edge.Source]) >= s.config.MaxEdgesPerNode {
		return fmt.Errorf("%w: node %q at outgoing-edge limit %d", ErrCapacityExceeded, edge.Source, s.config.MaxEdgesPerNode)
	}

	stored := copyEdge(edge)
	stored.Weight = clamp01(stored.Weight)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.edges[stored.ID] = stored

	if s.outgoing[stored.Source] == nil {
		s.outgoing[stored.Source] = make(map[string]struct{})
	}
	s.outgoing[stored.Source][stored.ID] = struct{}{}

	if s.incoming[stored.Target] == nil {
		s.incoming[stored.Target] = make(map[string]struct{})
	}
	s.incoming[stored.Target][stored.ID] = struct{}{}

	s.logOp("add_edge", stored.ID)
	return nil
}

// UpdateEdge replaces the stored edge, preserving creation time and
// adjacency (source/target changes are not allowed).
func (s *Store) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	existing, exists := s.edges[edge.ID]
	if !exists {
		return ErrNotFound
	}
	if edge.Source != existing.Source || edge.Target != existing.Target {
		return fmt.Errorf("%w: edge endpoints are immutable", ErrInvalidData)
	}

	stored := copyEdge(edge)
	stored.Weight = clamp01(stored.Weight)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	s.edges[stored.ID] = stored
	return nil
}

// GetEdge returns a deep copy of the edge, or ErrNotFound.
func (s *Store) GetEdge(id string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, exists := s.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// RemoveEdge deletes an edge and its adjacency entries.
func (s *Store) RemoveEdge(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	edge, exists := s.edges[id]
	if !exists {
		return ErrNotFound
	}

	if out := s.outgoing[edge.Source]; out != nil {
		delete(out, id)
	}
	if in := s.incoming[edge.Target]; in != nil {
		delete(in, id)
	}
	delete(s.edges, id)
	s.logOp("remove_edge", id)
	return nil
}

// GetNeighbors returns (node, edge, direction) triples for every edge
// incident to nodeID, optionally filtered to the given relation types.
// Results are ordered by edge creation time, then edge id.
func (s *Store) GetNeighbors(nodeID string, relationTypes ...string) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.nodes[nodeID]; !exists {
		return nil, ErrNotFound
	}

	typeFilter := make(map[string]struct{}, len(relationTypes))
	for _, t := range relationTypes {
		typeFilter[t] = struct{}{}
	}
	match := func(edgeType string) bool {
		if len(typeFilter) == 0 {
			return true
		}
		_, ok := typeFilter[edgeType]
		return ok
	}

	var neighbors []Neighbor
	for edgeID := range s.outgoing[nodeID] {
		edge := s.edges[edgeID]
		if edge == nil || !match(edge.Type) {
			continue
		}
		if target := s.nodes[edge.Target]; target != nil {
			neighbors = append(neighbors, Neighbor{
				Node:      copyNode(target),
				Edge:      copyEdge(edge),
				Direction: DirectionOut,
			})
		}
	}
	for edgeID := range s.incoming[nodeID] {
		edge := s.edges[edgeID]
		if edge == nil || !match(edge.Type) {
			continue
		}
		if source := s.nodes[edge.Source]; source != nil {
			neighbors = append(neighbors, Neighbor{
				Node:      copyNode(source),
				Edge:      copyEdge(edge),
				Direction: DirectionIn,
			})
		}
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if !neighbors[i].Edge.CreatedAt.Equal(neighbors[j].Edge.CreatedAt) {
			return neighbors[i].Edge.CreatedAt.Before(neighbors[j].Edge.CreatedAt)
		}
		return neighbors[i].Edge.ID < neighbors[j].Edge.ID
	})
	return neighbors, nil
}

// OutgoingEdges returns copies of all edges whose source is nodeID.
func (s *Store) OutgoingEdges(nodeID string) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Edge
	for edgeID := range s.outgoing[nodeID] {
		if edge := s.edges[edgeID]; edge != nil {
			out = append(out, copyEdge(edge))
		}
	}
	return out
}

// IncomingEdges returns copies of all edges whose target is nodeID.
func (s *Store) IncomingEdges(nodeID string) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var in []*Edge
	for edgeID := range s.incoming[nodeID] {
		if edge := s.edges[edgeID]; edge != nil {
			in = append(in, copyEdge(edge))
		}
	}
	return in
}

// AllNodes returns copies of every node, ordered by creation time then id.
func (s *Store) AllNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, copyNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// AllEdges returns copies of every edge, ordered by creation time then id.
func (s *Store) AllEdges() []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]*Edge, 0, len(s.edges))
	for _, edge := range s.edges {
		edges = append(edges, copyEdge(edge))
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
	return edges
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// Density returns edges / (n * (n-1)), the directed-graph density.
// Graphs with fewer than two nodes have density 0.
func (s *Store) Density() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.nodes)
	if n < 2 {
		return 0
	}
	return float64(len(s.edges)) / float64(n*(n-1))
}

// EmbeddingDimension returns the fixed embedding dimension, or 0 when no
// embedded node has been stored yet.
func (s *Store) EmbeddingDimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddingDim
}

// RecentOperations returns a copy of the bounded operation log, oldest first.
func (s *Store) RecentOperations() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Operation, len(s.opLog))
	copy(out, s.opLog)
	return out
}

// ValidateConsistency scans the adjacency maps against the edge and node
// tables and reports dangling references. A healthy store returns an empty
// slice.
func (s *Store) ValidateConsistency() []ConsistencyIssue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []ConsistencyIssue
	for id, edge := range s.edges {
		if _, ok := s.nodes[edge.Source]; !ok {
			issues = append(issues, ConsistencyIssue{
				Kind:    "dangling_edge_source",
				EdgeID:  id,
				NodeID:  edge.Source,
				Message: fmt.Sprintf("edge %s references missing source %s", id, edge.Source),
			})
		}
		if _, ok := s.nodes[edge.Target]; !ok {
			issues = append(issues, ConsistencyIssue{
				Kind:    "dangling_edge_target",
				EdgeID:  id,
				NodeID:  edge.Target,
				Message: fmt.Sprintf("edge %s references missing target %s", id, edge.Target),
			})
		}
	}
	for nodeID, edgeIDs := range s.outgoing {
		for edgeID := range edgeIDs {
			if _, ok := s.edges[edgeID]; !ok {
				issues = append(issues, ConsistencyIssue{
					Kind:    "orphan_adjacency",
					EdgeID:  edgeID,
					NodeID:  nodeID,
					Message: fmt.Sprintf("outgoing adjacency of %s references missing edge %s", nodeID, edgeID),
				})
			}
		}
	}
	for nodeID, edgeIDs := range s.incoming {
		for edgeID := range edgeIDs {
			if _, ok := s.edges[edgeID]; !ok {
				issues = append(issues, ConsistencyIssue{
					Kind:    "orphan_adjacency",
					EdgeID:  edgeID,
					NodeID:  nodeID,
					Message: fmt.Sprintf("incoming adjacency of %s references missing edge %s", nodeID, edgeID),
				})
			}
		}
	}
	return issues
}

// Clear removes every node and edge but keeps configuration.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*Node)
	s.edges = make(map[string]*Edge)
	s.outgoing = make(map[string]map[string]struct{})
	s.incoming = make(map[string]map[string]struct{})
	s.embeddingDim = 0
	s.opLog = nil
}

// Close marks the store closed; further mutations fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) logOp(kind, id string) {
	s.opLog = append(s.opLog, Operation{Kind: kind, ElementID: id, At: time.Now()})
	if len(s.opLog) > s.config.OperationLogSize {
		s.opLog = s.opLog[len(s.opLog)-s.config.OperationLogSize:]
	}
}

func copyNode(n *Node) *Node {
	out := &Node{
		ID:        n.ID,
		Type:      n.Type,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.Properties != nil {
		out.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = v
		}
	}
	if n.Embedding != nil {
		out.Embedding = make([]float32, len(n.Embedding))
		copy(out.Embedding, n.Embedding)
	}
	return out
}

func copyEdge(e *Edge) *Edge {
	out := &Edge{
		ID:                 e.ID,
		Source:             e.Source,
		Target:             e.Target,
		Type:               e.Type,
		Weight:             e.Weight,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		InvalidationReason: e.InvalidationReason,
	}
	if e.Properties != nil {
		out.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	if e.ValidFrom != nil {
		t := *e.ValidFrom
		out.ValidFrom = &t
	}
	if e.ValidUntil != nil {
		t := *e.ValidUntil
		out.ValidUntil = &t
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
