// Package analysis defines the text-analysis provider capability and the
// reference implementations that ship with Muninn.
//
// A provider turns raw text into a structured extraction: typed entities,
// typed relations between them, and syntactic dependencies, each with a
// confidence. The engine treats providers as pluggable and stateless; they
// are selected by name through the package registry.
//
// Two implementations ship in-tree:
//
//   - RuleProvider ("rules"): deterministic pattern-based extraction, the
//     default. No model downloads, stable output, good for tests and CI.
//   - ProseProvider ("prose"): statistical NER and POS tagging backed by
//     github.com/jdkato/prose.
//
// Example Usage:
//
//	provider, _ := analysis.Get("rules")
//	extraction, err := provider.Analyze(ctx, "Alice Johnson works at TechCorp.")
//	for _, e := range extraction.Entities {
//		fmt.Printf("%s (%s) %.2f\n", e.Name, e.Type, e.Confidence)
//	}
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrProviderUnavailable is returned when a named provider is not registered
// or cannot run.
var ErrProviderUnavailable = errors.New("text-analysis provider unavailable")

// Entity is one extracted mention-bearing thing.
type Entity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"` // person, organization, location, concept, event, technology, ...
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relation connects two extracted entities by name.
type Relation struct {
	Source     string  `json:"source"` // entity name
	Target     string  `json:"target"` // entity name
	Type       string  `json:"type"`   // works_at, located_in, is_a, ...
	Confidence float64 `json:"confidence"`
}

// Dependency is one syntactic dependency arc.
type Dependency struct {
	Head       string  `json:"head"`
	Dependent  string  `json:"dependent"`
	Relation   string  `json:"relation"` // nsubj, dobj, prep, ...
	Confidence float64 `json:"confidence"`
}

// Extraction is a provider's full output for one text.
type Extraction struct {
	Entities     []Entity     `json:"entities"`
	Relations    []Relation   `json:"relations"`
	Dependencies []Dependency `json:"dependencies"`
}

// Provider is the text-analysis capability: a name for registry dispatch and
// one analysis operation.
type Provider interface {
	// Name identifies the provider in the registry.
	Name() string

	// Analyze extracts entities, relations, and dependencies from text.
	Analyze(ctx context.Context, text string) (*Extraction, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Provider)
)

// Register makes a provider available under its name, replacing any previous
// registration.
func Register(p Provider) {
	if p == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Get returns the provider registered under name.
func Get(name string) (Provider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrProviderUnavailable, name)
	}
	return p, nil
}

// Names lists the registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(NewRuleProvider())
	Register(NewProseProvider())
}
