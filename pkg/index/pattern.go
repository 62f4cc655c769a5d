package index

import (
	"sort"
	"sync"

	"github.com/orneryd/muninn/pkg/graph"
)

// PatternDirection constrains how a pattern edge may map onto a graph edge.
type PatternDirection string

const (
	PatternOut        PatternDirection = "out"
	PatternIn         PatternDirection = "in"
	PatternUndirected PatternDirection = "undirected"
)

// PatternNode is one variable of a graph pattern. An empty Type matches any
// node type; Properties must be a subset of the graph node's properties.
type PatternNode struct {
	Var        string         `json:"var"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PatternEdge connects two pattern variables. An empty Type matches any edge
// type.
type PatternEdge struct {
	Source    string           `json:"source"` // pattern variable
	Target    string           `json:"target"` // pattern variable
	Type      string           `json:"type,omitempty"`
	Direction PatternDirection `json:"direction,omitempty"`
}

// Pattern is a small graph template with named variables.
type Pattern struct {
	ID    string        `json:"id"`
	Nodes []PatternNode `json:"nodes"`
	Edges []PatternEdge `json:"edges"`
}

// PatternMatch is one embedding of a pattern into the graph: the variable
// bindings plus the induced subgraph.
type PatternMatch struct {
	Bindings map[string]string
	Nodes    []*graph.Node
	Edges    []*graph.Edge
}

// PatternIndex stores patterns and indexes them by the node and edge types
// they mention, so candidate patterns for a given graph mutation can be
// found without scanning.
type PatternIndex struct {
	mu         sync.RWMutex
	patterns   map[string]*Pattern
	byNodeType map[string]map[string]struct{} // node type -> pattern ids
	byEdgeType map[string]map[string]struct{} // edge type -> pattern ids
}

// NewPatternIndex creates an empty pattern index.
func NewPatternIndex() *PatternIndex {
	return &PatternIndex{
		patterns:   make(map[string]*Pattern),
		byNodeType: make(map[string]map[string]struct{}),
		byEdgeType: make(map[string]map[string]struct{}),
	}
}

// Add stores a pattern, replacing any previous pattern with the same id.
func (p *PatternIndex) Add(pattern *Pattern) {
	if pattern == nil || pattern.ID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeLocked(pattern.ID)
	p.patterns[pattern.ID] = pattern

	for _, n := range pattern.Nodes {
		if n.Type == "" {
			continue
		}
		if p.byNodeType[n.Type] == nil {
			p.byNodeType[n.Type] = make(map[string]struct{})
		}
		p.byNodeType[n.Type][pattern.ID] = struct{}{}
	}
	for _, e := range pattern.Edges {
		if e.Type == "" {
			continue
		}
		if p.byEdgeType[e.Type] == nil {
			p.byEdgeType[e.Type] = make(map[string]struct{})
		}
		p.byEdgeType[e.Type][pattern.ID] = struct{}{}
	}
}

// Remove deletes a pattern by id.
func (p *PatternIndex) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *PatternIndex) removeLocked(id string) {
	pattern, ok := p.patterns[id]
	if !ok {
		return
	}
	for _, n := range pattern.Nodes {
		if ids := p.byNodeType[n.Type]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(p.byNodeType, n.Type)
			}
		}
	}
	for _, e := range pattern.Edges {
		if ids := p.byEdgeType[e.Type]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(p.byEdgeType, e.Type)
			}
		}
	}
	delete(p.patterns, id)
}

// Get returns a stored pattern.
func (p *PatternIndex) Get(id string) (*Pattern, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pattern, ok := p.patterns[id]
	return pattern, ok
}

// CandidatesForTypes returns the ids of patterns mentioning any of the given
// node or edge types, sorted.
func (p *PatternIndex) CandidatesForTypes(nodeTypes, edgeTypes []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := make(map[string]struct{})
	for _, t := range nodeTypes {
		for id := range p.byNodeType[t] {
			set[id] = struct{}{}
		}
	}
	for _, t := range edgeTypes {
		for id := range p.byEdgeType[t] {
			set[id] = struct{}{}
		}
	}
	return sortedIDs(set)
}

// Size returns the number of stored patterns.
func (p *PatternIndex) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.patterns)
}

// MatchPattern finds every embedding of pattern into the given nodes and
// edges using VF2-style backtracking: variables are bound one at a time, and
// each candidate binding is checked for edge consistency against all
// already-bound neighbors before recursing.
//
// Node compatibility: pattern type empty or equal to the node type, and
// pattern properties subset-equal to the node's. Matches are injective (two
// variables never bind the same graph node).
func MatchPattern(pattern *Pattern, nodes []*graph.Node, edges []*graph.Edge) []PatternMatch {
	if pattern == nil || len(pattern.Nodes) == 0 {
		return nil
	}

	nodeByID := make(map[string]*graph.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	// adjacency: source -> target -> edges
	type edgeKey struct{ src, dst string }
	edgesBetween := make(map[edgeKey][]*graph.Edge)
	for _, e := range edges {
		k := edgeKey{e.Source, e.Target}
		edgesBetween[k] = append(edgesBetween[k], e)
	}

	// patternEdgesOf lists edges touching a variable.
	patternEdgesOf := make(map[string][]PatternEdge)
	for _, e := range pattern.Edges {
		patternEdgesOf[e.Source] = append(patternEdgesOf[e.Source], e)
		if e.Target != e.Source {
			patternEdgesOf[e.Target] = append(patternEdgesOf[e.Target], e)
		}
	}

	// hasEdge checks for a graph edge of the given type between two bound
	// nodes honoring the pattern direction.
	hasEdge := func(e PatternEdge, srcID, dstID string) bool {
		typeOK := func(ge *graph.Edge) bool {
			return e.Type == "" || ge.Type == e.Type
		}
		forward := false
		for _, ge := range edgesBetween[edgeKey{srcID, dstID}] {
			if typeOK(ge) {
				forward = true
				break
			}
		}
		backward := false
		for _, ge := range edgesBetween[edgeKey{dstID, srcID}] {
			if typeOK(ge) {
				backward = true
				break
			}
		}
		switch e.Direction {
		case PatternIn:
			return backward
		case PatternUndirected:
			return forward || backward
		default: // out
			return forward
		}
	}

	compatible := func(pn PatternNode, gn *graph.Node) bool {
		if pn.Type != "" && pn.Type != gn.Type {
			return false
		}
		for k, v := range pn.Properties {
			if gv, ok := gn.Properties[k]; !ok || gv != v {
				return false
			}
		}
		return true
	}

	// Deterministic candidate ordering.
	orderedNodes := make([]*graph.Node, len(nodes))
	copy(orderedNodes, nodes)
	sort.Slice(orderedNodes, func(i, j int) bool { return orderedNodes[i].ID < orderedNodes[j].ID })

	var matches []PatternMatch
	bindings := make(map[string]string, len(pattern.Nodes))
	used := make(map[string]struct{})

	var bind func(i int)
	bind = func(i int) {
		if i == len(pattern.Nodes) {
			match := PatternMatch{Bindings: make(map[string]string, len(bindings))}
			for v, id := range bindings {
				match.Bindings[v] = id
				match.Nodes = append(match.Nodes, nodeByID[id])
			}
			sort.Slice(match.Nodes, func(a, b int) bool { return match.Nodes[a].ID < match.Nodes[b].ID })
			for _, pe := range pattern.Edges {
				src, dst := bindings[pe.Source], bindings[pe.Target]
				for _, ge := range edgesBetween[edgeKey{src, dst}] {
					if pe.Type == "" || ge.Type == pe.Type {
						match.Edges = append(match.Edges, ge)
					}
				}
				if pe.Direction == PatternIn || pe.Direction == PatternUndirected {
					for _, ge := range edgesBetween[edgeKey{dst, src}] {
						if pe.Type == "" || ge.Type == pe.Type {
							match.Edges = append(match.Edges, ge)
						}
					}
				}
			}
			matches = append(matches, match)
			return
		}

		pn := pattern.Nodes[i]
		for _, gn := range orderedNodes {
			if _, taken := used[gn.ID]; taken {
				continue
			}
			if !compatible(pn, gn) {
				continue
			}

			// Edge consistency against already-bound neighbors.
			ok := true
			for _, pe := range patternEdgesOf[pn.Var] {
				var otherVar string
				var srcID, dstID string
				if pe.Source == pn.Var {
					otherVar = pe.Target
					srcID, dstID = gn.ID, bindings[otherVar]
				} else {
					otherVar = pe.Source
					srcID, dstID = bindings[otherVar], gn.ID
				}
				if _, bound := bindings[otherVar]; !bound {
					continue
				}
				if !hasEdge(pe, srcID, dstID) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}

			bindings[pn.Var] = gn.ID
			used[gn.ID] = struct{}{}
			bind(i + 1)
			delete(bindings, pn.Var)
			delete(used, gn.ID)
		}
	}

	bind(0)
	return matches
}
