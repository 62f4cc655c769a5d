// Package resolve decides whether a newly extracted entity is the same
// real-world thing as an entity already in the graph.
//
// Resolution uses a composite score over a candidate pool restricted to
// same-typed entities:
//
//  1. Exact match on the normalized name, or on any uniqueness-bearing
//     property (email, phone, url, ssn, id_number), short-circuits with
//     confidence 1.0.
//  2. Otherwise a weighted blend of string similarity (mean of Levenshtein
//     and Jaro-Winkler), token-set Jaccard, Soundex equality, and embedding
//     cosine similarity, normalized by the weight mass of the signals that
//     were actually available.
//
// The string metrics come from github.com/antzucaro/matchr.
//
// Example Usage:
//
//	resolver := resolve.NewResolver(resolve.DefaultConfig())
//	match := resolver.Resolve(incoming, existing)
//	if match != nil {
//		// same entity: merge instead of insert
//	}
package resolve

import (
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// uniqueness-bearing property names: equality on any of these is identity.
var uniqueProperties = []string{"email", "phone", "url", "ssn", "id_number"}

// Entity is the resolver's view of a domain entity.
type Entity struct {
	ID         string
	Name       string
	Type       string
	Properties map[string]any
	Embedding  []float32
	Confidence float64
}

// Match is a successful resolution.
type Match struct {
	Entity     *Entity
	Confidence float64
	Method     string // exact_name, exact_property, composite
}

// Weights splits the composite score. Exact is reserved for short-circuit
// identity, Fuzzy covers the string metrics, Embedding the cosine signal.
type Weights struct {
	Exact     float64 `yaml:"exact"`
	Fuzzy     float64 `yaml:"fuzzy"`
	Embedding float64 `yaml:"embedding"`
}

// Config tunes the resolver.
type Config struct {
	// FuzzyThreshold is the minimum composite score for a match.
	FuzzyThreshold float64 `yaml:"fuzzyThreshold"`

	// EnablePhonetic adds the Soundex-equality signal.
	EnablePhonetic bool `yaml:"enablePhonetic"`

	// EnableJaccard adds the token-set Jaccard signal.
	EnableJaccard bool `yaml:"enableJaccard"`

	// Weights for the composite blend.
	Weights Weights `yaml:"weights"`

	// MaxCandidates caps how many pool entities are scored per resolution.
	MaxCandidates int `yaml:"maxCandidates"`
}

// DefaultConfig returns the tuning used by a freshly opened engine.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold: 0.8,
		EnablePhonetic: true,
		EnableJaccard:  true,
		Weights:        Weights{Exact: 1.0, Fuzzy: 0.5, Embedding: 0.3},
		MaxCandidates:  100,
	}
}

// sub-weights for the auxiliary string signals, relative to Weights.Fuzzy.
const (
	jaccardWeight = 0.2
	soundexWeight = 0.1
)

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
var whitespace = regexp.MustCompile(`\s+`)

// NormalizeName lowercases, strips punctuation, and collapses whitespace.
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = punctuation.ReplaceAllString(n, "")
	n = whitespace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Resolver scores candidate entities against a pool.
type Resolver struct {
	config Config
}

// NewResolver creates a resolver with the given tuning.
func NewResolver(config Config) *Resolver {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 100
	}
	if config.FuzzyThreshold <= 0 {
		config.FuzzyThreshold = 0.8
	}
	return &Resolver{config: config}
}

// Resolve finds the best pool entity matching the candidate, or nil when no
// pool entity reaches the fuzzy threshold. Only same-typed pool entities are
// considered. Resolution is deterministic: equal scores break toward the
// lexicographically smaller id, so applying the same entity twice yields the
// same outcome.
func (r *Resolver) Resolve(candidate *Entity, pool []*Entity) *Match {
	if candidate == nil {
		return nil
	}

	sameType := make([]*Entity, 0, len(pool))
	for _, e := range pool {
		if e == nil || e.ID == candidate.ID {
			continue
		}
		if e.Type == candidate.Type {
			sameType = append(sameType, e)
		}
	}
	sort.Slice(sameType, func(i, j int) bool { return sameType[i].ID < sameType[j].ID })
	if len(sameType) > r.config.MaxCandidates {
		sameType = sameType[:r.config.MaxCandidates]
	}

	normName := NormalizeName(candidate.Name)

	// Pass 1: exact identity short-circuits.
	for _, e := range sameType {
		if normName != "" && NormalizeName(e.Name) == normName {
			return &Match{Entity: e, Confidence: 1.0, Method: "exact_name"}
		}
		if prop := sharedUniqueProperty(candidate, e); prop != "" {
			return &Match{Entity: e, Confidence: 1.0, Method: "exact_property"}
		}
	}

	// Pass 2: composite scoring.
	var best *Match
	for _, e := range sameType {
		score := r.compositeScore(candidate, e)
		if score < r.config.FuzzyThreshold {
			continue
		}
		if best == nil || score > best.Confidence {
			best = &Match{Entity: e, Confidence: score, Method: "composite"}
		}
	}
	return best
}

// ResolveBatch resolves many entities at once, bucketing the pool by type so
// cross-type pairs are never scored. The result maps candidate id to its
// match (absent ids had none).
func (r *Resolver) ResolveBatch(candidates []*Entity, pool []*Entity) map[string]*Match {
	byType := make(map[string][]*Entity)
	for _, e := range pool {
		if e == nil {
			continue
		}
		byType[e.Type] = append(byType[e.Type], e)
	}

	matches := make(map[string]*Match)
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if m := r.Resolve(c, byType[c.Type]); m != nil {
			matches[c.ID] = m
		}
	}
	return matches
}

func sharedUniqueProperty(a, b *Entity) string {
	for _, prop := range uniqueProperties {
		av, aok := stringProp(a.Properties, prop)
		bv, bok := stringProp(b.Properties, prop)
		if aok && bok && av != "" && strings.EqualFold(av, bv) {
			return prop
		}
	}
	return ""
}

func stringProp(props map[string]any, key string) (string, bool) {
	if props == nil {
		return "", false
	}
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// compositeScore blends the available signals, normalizing by the weight
// mass of whichever signals could be computed.
func (r *Resolver) compositeScore(a, b *Entity) float64 {
	nameA := NormalizeName(a.Name)
	nameB := NormalizeName(b.Name)
	if nameA == "" || nameB == "" {
		return 0
	}

	var score, mass float64

	// Fuzzy: mean of Levenshtein similarity and Jaro-Winkler.
	lev := levenshteinSimilarity(nameA, nameB)
	jw := matchr.JaroWinkler(nameA, nameB, false)
	fuzzy := (lev + jw) / 2.0
	score += r.config.Weights.Fuzzy * fuzzy
	mass += r.config.Weights.Fuzzy

	if r.config.EnableJaccard {
		score += jaccardWeight * tokenJaccard(nameA, nameB)
		mass += jaccardWeight
	}

	if r.config.EnablePhonetic {
		if matchr.Soundex(nameA) == matchr.Soundex(nameB) {
			score += soundexWeight
		}
		mass += soundexWeight
	}

	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		cos := vector.Cosine(a.Embedding, b.Embedding)
		if cos < 0 {
			cos = 0
		}
		score += r.config.Weights.Embedding * cos
		mass += r.config.Weights.Embedding
	}

	if mass == 0 {
		return 0
	}
	return score / mass
}

// levenshteinSimilarity converts edit distance into a [0, 1] similarity.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

// tokenJaccard computes |A∩B| / |A∪B| over whitespace tokens.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}
