// Package index provides the Muninn index stack: label, property, text,
// vector, and pattern indexes, plus the Manager that coordinates them.
//
// Each index is an independent thread-safe structure keyed by item id. The
// Manager fans ingest and removal out to all of them so an item is either
// present in every index that applies to it or in none.
//
// Key Features:
//   - Label index: label -> id set with a reverse map for full removal
//   - Property index: eq/ne/lt/gt/lte/gte/contains/matches operators
//   - Text index: tokenized inverted index with any/all/phrase modes
//   - Vector index: linear scan below a threshold, HNSW-style graph above
//   - Pattern index: VF2-style subgraph isomorphism over stored patterns
//
// Example Usage:
//
//	labels := index.NewLabelIndex()
//	labels.Add("n1", "person")
//	labels.Add("n2", "person")
//	ids := labels.Query("person") // {"n1", "n2"}
package index

import (
	"sort"
	"sync"
)

// LabelIndex maps labels to item-id sets. Labels are matched exactly; the
// engine interns entity and relation types before indexing them here.
type LabelIndex struct {
	mu       sync.RWMutex
	byLabel  map[string]map[string]struct{}
	reverse  map[string]map[string]struct{} // id -> labels
}

// NewLabelIndex creates an empty label index.
func NewLabelIndex() *LabelIndex {
	return &LabelIndex{
		byLabel: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
	}
}

// Add associates id with label.
func (l *LabelIndex) Add(id, label string) {
	if id == "" || label == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byLabel[label] == nil {
		l.byLabel[label] = make(map[string]struct{})
	}
	l.byLabel[label][id] = struct{}{}

	if l.reverse[id] == nil {
		l.reverse[id] = make(map[string]struct{})
	}
	l.reverse[id][label] = struct{}{}
}

// Remove drops id from every label it was added under.
func (l *LabelIndex) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for label := range l.reverse[id] {
		if ids := l.byLabel[label]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(l.byLabel, label)
			}
		}
	}
	delete(l.reverse, id)
}

// Query returns the ids associated with label, sorted for determinism.
func (l *LabelIndex) Query(label string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.byLabel[label]))
	for id := range l.byLabel[label] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Labels returns the labels recorded for id.
func (l *LabelIndex) Labels(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	labels := make([]string, 0, len(l.reverse[id]))
	for label := range l.reverse[id] {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Size returns the number of indexed ids.
func (l *LabelIndex) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.reverse)
}

// Clear resets the index.
func (l *LabelIndex) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byLabel = make(map[string]map[string]struct{})
	l.reverse = make(map[string]map[string]struct{})
}
