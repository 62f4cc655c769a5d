package analysis

import (
	"context"
	"regexp"
	"strings"
)

// relationCue maps a verb phrase appearing between two mentions to a typed
// relation. Order matters: earlier cues win when several match.
type relationCue struct {
	pattern    *regexp.Regexp
	relType    string
	confidence float64
	// targetType, when set, retypes the target entity (e.g. the object of
	// "works at" is an organization even without a corporate suffix).
	targetType string
}

var relationCues = []relationCue{
	{regexp.MustCompile(`(?i)\bworks? (?:at|for)\b|\bemployed (?:at|by)\b|\bjoined\b`), "works_at", 0.9, "organization"},
	{regexp.MustCompile(`(?i)\bleft\b|\bquit\b|\bdeparted(?: from)?\b|\bresigned from\b`), "left", 0.85, "organization"},
	{regexp.MustCompile(`(?i)\bfounded\b|\bco-?founded\b|\bestablished\b`), "founded", 0.9, "organization"},
	{regexp.MustCompile(`(?i)\blives? in\b|\bbased in\b|\blocated in\b|\bmoved to\b`), "located_in", 0.9, "location"},
	{regexp.MustCompile(`(?i)\bis an?\b|\bwas an?\b`), "is_a", 0.7, "concept"},
	{regexp.MustCompile(`(?i)\bparent of\b`), "parent_of", 0.85, ""},
	{regexp.MustCompile(`(?i)\bmarried(?: to)?\b`), "married_to", 0.85, "person"},
	{regexp.MustCompile(`(?i)\bmanages\b|\bleads\b|\bruns\b`), "manages", 0.8, ""},
	{regexp.MustCompile(`(?i)\bknows\b|\bmet\b|\bworks with\b`), "knows", 0.7, "person"},
	{regexp.MustCompile(`(?i)\buses\b|\bbuilt (?:with|on)\b|\bdeveloped (?:with|in)\b`), "uses", 0.75, "technology"},
	{regexp.MustCompile(`(?i)\bacquired\b|\bbought\b`), "acquired", 0.85, "organization"},
}

var organizationSuffixes = []string{
	"corp", "corporation", "inc", "ltd", "llc", "gmbh", "labs", "technologies",
	"systems", "university", "institute", "group", "company", "bank", "studio",
}

var plainLocationPrefix = regexp.MustCompile(`(?i)\b(?:in|from|near)\s+$`)

// mention is a capitalized-sequence candidate with its byte offsets.
type mention struct {
	text       string
	start, end int
}

// capitalizedSeq matches runs of capitalized words ("Alice Johnson",
// "TechCorp", "New York City"), allowing interior lowercase connectors.
var capitalizedSeq = regexp.MustCompile(`\b\p{Lu}[\p{L}\p{N}'&.-]*(?:\s+(?:of|the|for|and)\s+\p{Lu}[\p{L}\p{N}'&.-]*|\s+\p{Lu}[\p{L}\p{N}'&.-]*)*`)

// sentenceSplit breaks on terminal punctuation followed by whitespace.
var sentenceSplit = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// stopMentions are capitalized words that are never entities on their own.
var stopMentions = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "He": true, "She": true, "They": true, "We": true,
	"I": true, "You": true, "But": true, "And": true, "However": true,
	"Yesterday": true, "Today": true, "Tomorrow": true,
	"In": true, "On": true, "At": true, "From": true, "To": true,
	"After": true, "Before": true, "When": true, "While": true,
}

// RuleProvider extracts entities and relations with deterministic patterns:
// capitalized sequences become entity candidates, their surrounding context
// assigns types, and verb cues between two mentions become relations.
type RuleProvider struct{}

// NewRuleProvider creates the deterministic reference provider.
func NewRuleProvider() *RuleProvider {
	return &RuleProvider{}
}

// Name implements Provider.
func (p *RuleProvider) Name() string { return "rules" }

// Analyze implements Provider.
func (p *RuleProvider) Analyze(ctx context.Context, text string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extraction := &Extraction{}
	entityType := make(map[string]string)     // name -> type
	entityConfidence := make(map[string]float64)
	var entityOrder []string

	note := func(name, typ string, confidence float64) {
		if name == "" {
			return
		}
		if _, seen := entityType[name]; !seen {
			entityOrder = append(entityOrder, name)
			entityType[name] = typ
			entityConfidence[name] = confidence
			return
		}
		// Upgrades: a typed cue beats the concept fallback; higher
		// confidence wins between equals.
		if entityType[name] == "concept" && typ != "concept" {
			entityType[name] = typ
			entityConfidence[name] = confidence
		} else if typ == entityType[name] && confidence > entityConfidence[name] {
			entityConfidence[name] = confidence
		}
	}

	for _, sentence := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(sentence) == "" {
			continue
		}

		mentions := findMentions(sentence)
		for _, m := range mentions {
			note(m.text, classifyMention(sentence, m), mentionConfidence(sentence, m))
		}

		// Relations: verb cue in the gap between consecutive mentions.
		for i := 0; i+1 < len(mentions); i++ {
			a, b := mentions[i], mentions[i+1]
			gap := sentence[a.end:b.start]
			for _, cue := range relationCues {
				if !cue.pattern.MatchString(gap) {
					continue
				}
				extraction.Relations = append(extraction.Relations, Relation{
					Source:     a.text,
					Target:     b.text,
					Type:       cue.relType,
					Confidence: cue.confidence,
				})
				if cue.targetType != "" {
					note(b.text, cue.targetType, cue.confidence)
				}
				extraction.Dependencies = append(extraction.Dependencies,
					Dependency{Head: strings.TrimSpace(gap), Dependent: a.text, Relation: "nsubj", Confidence: cue.confidence},
					Dependency{Head: strings.TrimSpace(gap), Dependent: b.text, Relation: "obj", Confidence: cue.confidence},
				)
				break
			}
		}
	}

	for _, name := range entityOrder {
		extraction.Entities = append(extraction.Entities, Entity{
			Name:       name,
			Type:       entityType[name],
			Confidence: entityConfidence[name],
		})
	}
	return extraction, nil
}

func findMentions(sentence string) []mention {
	var mentions []mention
	for _, loc := range capitalizedSeq.FindAllStringIndex(sentence, -1) {
		text := strings.TrimSpace(sentence[loc[0]:loc[1]])
		text = strings.TrimRight(text, ".-&'")
		if text == "" || stopMentions[text] {
			continue
		}
		mentions = append(mentions, mention{text: text, start: loc[0], end: loc[0] + len(text)})
	}
	return mentions
}

// classifyMention assigns an entity type from surface form and context.
func classifyMention(sentence string, m mention) string {
	lower := strings.ToLower(m.text)
	for _, suffix := range organizationSuffixes {
		if strings.HasSuffix(lower, " "+suffix) || lower == suffix || strings.HasSuffix(lower, suffix) {
			return "organization"
		}
	}

	prefix := sentence[:m.start]
	// "in Berlin", "from New York". "at TechCorp" is handled by the
	// works_at cue retype, so only plain in/from/near count here.
	if plainLocationPrefix.MatchString(prefix) {
		return "location"
	}

	// Multi-word capitalized sequences followed by a verb are usually
	// people ("Alice Johnson works...", "Bob Smith founded...").
	rest := strings.TrimSpace(sentence[m.end:])
	if strings.Contains(m.text, " ") || hasVerbAhead(rest) {
		if looksLikePerson(m.text, rest) {
			return "person"
		}
	}
	return "concept"
}

var verbAhead = regexp.MustCompile(`(?i)^(?:works?|worked|is|was|are|were|founded|left|lives?|lived|joined|manages|leads|knows|met|moved|married|uses|built|developed|quit|acquired|runs)\b`)

func hasVerbAhead(rest string) bool {
	return verbAhead.MatchString(rest)
}

func looksLikePerson(text, rest string) bool {
	// Organization suffixes already returned earlier; a capitalized
	// sequence directly driving a verb reads as an agent.
	if hasVerbAhead(rest) {
		return true
	}
	// Two plain title-case words with no digits look like a name.
	words := strings.Fields(text)
	if len(words) == 2 {
		for _, w := range words {
			if strings.IndexFunc(w, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
				return false
			}
		}
		return true
	}
	return false
}

func mentionConfidence(sentence string, m mention) float64 {
	if hasVerbAhead(strings.TrimSpace(sentence[m.end:])) {
		return 0.9
	}
	if strings.Contains(m.text, " ") {
		return 0.8
	}
	return 0.6
}
