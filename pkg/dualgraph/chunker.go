package dualgraph

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ChunkerConfig bounds chunk sizes and tunes the confidence formula.
type ChunkerConfig struct {
	// MinChunkSize and MaxChunkSize bound acceptable chunk lengths in
	// runes. Sentences outside the bounds trigger the paragraph fallback.
	MinChunkSize int `yaml:"minChunkSize"`
	MaxChunkSize int `yaml:"maxChunkSize"`

	// Confidence weights; confidence is their weighted sum of the three
	// component scores, clamped to [0, 1].
	LengthWeight      float64 `yaml:"lengthWeight"`
	PunctuationWeight float64 `yaml:"punctuationWeight"`
	WhitespaceWeight  float64 `yaml:"whitespaceWeight"`
}

// DefaultChunkerConfig returns the chunking defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinChunkSize:      10,
		MaxChunkSize:      1000,
		LengthWeight:      0.5,
		PunctuationWeight: 0.3,
		WhitespaceWeight:  0.2,
	}
}

func (c *ChunkerConfig) applyDefaults() {
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 10
	}
	if c.MaxChunkSize <= c.MinChunkSize {
		c.MaxChunkSize = 1000
	}
	if c.LengthWeight+c.PunctuationWeight+c.WhitespaceWeight == 0 {
		c.LengthWeight, c.PunctuationWeight, c.WhitespaceWeight = 0.5, 0.3, 0.2
	}
}

// sentenceEnd splits after terminal punctuation runs.
var sentenceEnd = regexp.MustCompile(`(?m)([.!?]+)(\s+|$)`)

// paragraphSplit splits on blank lines.
var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// ChunkText splits text into chunks: sentence-level first, paragraph-level when
// no sentence fits the size bounds, and a single document-level chunk as the
// last resort. Position indexes are assigned in order; each chunk carries a
// confidence derived from length adequacy, terminal punctuation, and
// whitespace ratio.
func ChunkText(text, source string, config ChunkerConfig) []*Chunk {
	config.applyDefaults()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	now := time.Now()
	build := func(parts []string, typ ChunkType) []*Chunk {
		var chunks []*Chunk
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chunks = append(chunks, &Chunk{
				ID:         uuid.NewString(),
				Content:    part,
				Source:     source,
				Timestamp:  now,
				Type:       typ,
				Position:   len(chunks),
				Confidence: chunkConfidence(part, typ, config),
			})
		}
		return chunks
	}

	sentences := splitSentences(trimmed)
	if anyWithinBounds(sentences, config) {
		return build(sentences, ChunkSentence)
	}

	paragraphs := paragraphSplit.Split(trimmed, -1)
	if len(paragraphs) > 1 && anyWithinBounds(paragraphs, config) {
		return build(paragraphs, ChunkParagraph)
	}

	return build([]string{trimmed}, ChunkDocument)
}

// splitSentences cuts after terminal punctuation, keeping the punctuation
// with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		end := loc[3] // end of the punctuation group
		sentences = append(sentences, strings.TrimSpace(text[last:end]))
		last = loc[1]
	}
	if last < len(text) {
		if rest := strings.TrimSpace(text[last:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	return sentences
}

func anyWithinBounds(parts []string, config ChunkerConfig) bool {
	for _, part := range parts {
		n := len([]rune(strings.TrimSpace(part)))
		if n >= config.MinChunkSize && n <= config.MaxChunkSize {
			return true
		}
	}
	return false
}

// chunkConfidence scores a chunk in [0, 1] from length adequacy, terminal
// punctuation presence, and whitespace ratio. The weights are configured,
// not fixed.
func chunkConfidence(content string, typ ChunkType, config ChunkerConfig) float64 {
	runes := []rune(content)
	n := len(runes)
	if n == 0 {
		return 0
	}

	// Length adequacy: 1.0 inside bounds, tapering outside.
	lengthScore := 1.0
	switch {
	case n < config.MinChunkSize:
		lengthScore = float64(n) / float64(config.MinChunkSize)
	case n > config.MaxChunkSize:
		lengthScore = float64(config.MaxChunkSize) / float64(n)
	}

	punctScore := 0.0
	switch runes[n-1] {
	case '.', '!', '?', ':', ';':
		punctScore = 1.0
	}

	spaces := 0
	for _, r := range runes {
		if unicode.IsSpace(r) {
			spaces++
		}
	}
	ratio := float64(spaces) / float64(n)
	// Prose runs 10-25% whitespace; score degrades toward 0 at the
	// extremes (no spaces at all, or mostly whitespace).
	whitespaceScore := 1.0
	if ratio < 0.05 && n > 20 {
		whitespaceScore = ratio / 0.05
	} else if ratio > 0.5 {
		whitespaceScore = 1.0 - (ratio-0.5)/0.5
	}

	score := config.LengthWeight*lengthScore +
		config.PunctuationWeight*punctScore +
		config.WhitespaceWeight*whitespaceScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
