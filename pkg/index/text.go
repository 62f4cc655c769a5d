package index

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// TextMode selects how multi-token text queries combine per-token id sets.
type TextMode string

const (
	// TextAny unions the id sets of every query token.
	TextAny TextMode = "any"

	// TextAll intersects the id sets of every query token.
	TextAll TextMode = "all"

	// TextPhrase is positional phrase matching. The index stores no token
	// positions, so phrase either degrades to TextAll (when the index was
	// built with PhraseFallback) or reports ErrPhraseUnsupported.
	TextPhrase TextMode = "phrase"
)

const (
	minTokenLen = 2
	maxTokenLen = 50
)

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// Tokenize lowercases the text, strips non-word characters, splits on
// whitespace, and keeps tokens whose length falls within [2, 50]. The
// returned slice preserves first-occurrence order and contains duplicates;
// indexing dedupes per document.
func Tokenize(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(cleaned)

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minTokenLen || len(f) > maxTokenLen {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TextIndex is a tokenized inverted index from token to document-id set.
// Token frequency across the corpus is tracked as a ranking aid.
type TextIndex struct {
	mu             sync.RWMutex
	byToken        map[string]map[string]struct{}
	reverse        map[string][]string // id -> deduped tokens
	tokenFrequency map[string]int      // token -> number of documents containing it
	phraseFallback bool
}

// NewTextIndex creates an empty text index. When phraseFallback is true,
// phrase queries silently degrade to all-token intersection; when false they
// fail loudly so callers notice the missing positional index.
func NewTextIndex(phraseFallback bool) *TextIndex {
	return &TextIndex{
		byToken:        make(map[string]map[string]struct{}),
		reverse:        make(map[string][]string),
		tokenFrequency: make(map[string]int),
		phraseFallback: phraseFallback,
	}
}

// Add tokenizes text and indexes id under each distinct token, replacing any
// previous indexing of the same id.
func (t *TextIndex) Add(id, text string) {
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(id)

	seen := make(map[string]struct{})
	var deduped []string
	for _, token := range Tokenize(text) {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		deduped = append(deduped, token)

		if t.byToken[token] == nil {
			t.byToken[token] = make(map[string]struct{})
		}
		t.byToken[token][id] = struct{}{}
		t.tokenFrequency[token]++
	}
	if len(deduped) > 0 {
		t.reverse[id] = deduped
	}
}

// Remove drops id from the index.
func (t *TextIndex) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *TextIndex) removeLocked(id string) {
	for _, token := range t.reverse[id] {
		if ids := t.byToken[token]; ids != nil {
			delete(ids, id)
			t.tokenFrequency[token]--
			if len(ids) == 0 {
				delete(t.byToken, token)
				delete(t.tokenFrequency, token)
			}
		}
	}
	delete(t.reverse, id)
}

// ErrPhraseUnsupported is reported when a phrase query arrives and the index
// was built without the phrase-to-all fallback.
type ErrPhraseUnsupported struct{}

func (ErrPhraseUnsupported) Error() string {
	return "phrase matching requires a positional index; enable the phrase fallback to degrade to all-token intersection"
}

// Query tokenizes the input and combines per-token id sets by mode.
// Empty queries return no ids.
func (t *TextIndex) Query(text string, mode TextMode) ([]string, error) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	switch mode {
	case TextPhrase:
		if !t.phraseFallback {
			return nil, ErrPhraseUnsupported{}
		}
		fallthrough
	case TextAll, "":
		result := make(map[string]struct{})
		for id := range t.byToken[tokens[0]] {
			result[id] = struct{}{}
		}
		for _, token := range tokens[1:] {
			ids := t.byToken[token]
			for id := range result {
				if _, ok := ids[id]; !ok {
					delete(result, id)
				}
			}
			if len(result) == 0 {
				return nil, nil
			}
		}
		return sortedIDs(result), nil
	case TextAny:
		result := make(map[string]struct{})
		for _, token := range tokens {
			for id := range t.byToken[token] {
				result[id] = struct{}{}
			}
		}
		return sortedIDs(result), nil
	}
	return nil, nil
}

// TokenFrequency returns the number of documents containing token.
func (t *TextIndex) TokenFrequency(token string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokenFrequency[strings.ToLower(token)]
}

// Size returns the number of indexed documents.
func (t *TextIndex) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.reverse)
}

// Clear resets the index.
func (t *TextIndex) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken = make(map[string]map[string]struct{})
	t.reverse = make(map[string][]string)
	t.tokenFrequency = make(map[string]int)
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
