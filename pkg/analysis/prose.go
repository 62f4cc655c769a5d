package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jdkato/prose/v2"
)

// ProseProvider runs statistical NER and POS tagging via jdkato/prose.
// Entity labels map onto Muninn's type set; relations are taken from the
// rule provider's own pass over the text, and dependencies combine the rule
// pass with arcs from the POS stream (noun-to-verb arcs around detected verbs).
type ProseProvider struct {
	mu    sync.Mutex
	rules *RuleProvider
}

// NewProseProvider creates the prose-backed provider.
func NewProseProvider() *ProseProvider {
	return &ProseProvider{rules: NewRuleProvider()}
}

// Name implements Provider.
func (p *ProseProvider) Name() string { return "prose" }

// mapLabel converts a prose NER label to a Muninn entity type.
func mapLabel(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON", "PER":
		return "person"
	case "ORG", "ORGANIZATION":
		return "organization"
	case "GPE", "LOC", "LOCATION", "FAC":
		return "location"
	case "EVENT":
		return "event"
	case "PRODUCT", "WORK_OF_ART":
		return "technology"
	default:
		return "concept"
	}
}

// Analyze implements Provider. Prose model inference is serialized; the
// library's document pipeline is not safe for concurrent use.
func (p *ProseProvider) Analyze(ctx context.Context, text string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	doc, err := prose.NewDocument(text)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: prose: %v", ErrProviderUnavailable, err)
	}

	extraction := &Extraction{}
	seen := make(map[string]struct{})
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		extraction.Entities = append(extraction.Entities, Entity{
			Name:       name,
			Type:       mapLabel(ent.Label),
			Confidence: 0.85,
		})
	}

	// The statistical model misses org-suffixed and pattern-obvious
	// mentions in short agent utterances; union with the rule pass.
	ruleOut, err := p.rules.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	for _, e := range ruleOut.Entities {
		if _, dup := seen[e.Name]; dup {
			continue
		}
		seen[e.Name] = struct{}{}
		extraction.Entities = append(extraction.Entities, e)
	}
	extraction.Relations = ruleOut.Relations
	extraction.Dependencies = append(extraction.Dependencies, ruleOut.Dependencies...)

	// POS-derived dependencies: noun -> governing verb arcs.
	var lastNoun string
	for _, tok := range doc.Tokens() {
		switch {
		case strings.HasPrefix(tok.Tag, "NN"):
			lastNoun = tok.Text
		case strings.HasPrefix(tok.Tag, "VB") && lastNoun != "":
			extraction.Dependencies = append(extraction.Dependencies, Dependency{
				Head:       tok.Text,
				Dependent:  lastNoun,
				Relation:   "nsubj",
				Confidence: 0.6,
			})
			lastNoun = ""
		}
	}

	return extraction, nil
}
