// Package embed provides the vectorizer capability used across Muninn.
//
// A vectorizer turns text into a fixed-dimension float32 embedding. The
// engine treats vectorizers as best-effort: an embedding failure degrades
// the ingest (chunks carry no vector) but never fails it.
//
// Implementations:
//   - HashEmbedder ("hash"): deterministic local embeddings with no network
//     dependency. Texts sharing tokens land near each other. The default.
//   - OllamaEmbedder ("ollama"): local Ollama HTTP API.
//   - OpenAIEmbedder ("openai"): OpenAI embeddings API.
//   - Cached: an LRU wrapper that avoids re-embedding repeated text.
//
// Example Usage:
//
//	embedder, err := embed.NewEmbedder(&embed.Config{Provider: "ollama"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	vec, err := embedder.Embed(ctx, "hello world")
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps any provider failure so callers can degrade.
var ErrUnavailable = errors.New("vectorizer unavailable")

// Embedder is the vectorizer capability.
type Embedder interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config selects and tunes a provider.
type Config struct {
	Provider   string        `yaml:"provider"`   // hash, ollama, openai
	APIURL     string        `yaml:"apiUrl"`     // e.g. http://localhost:11434
	APIPath    string        `yaml:"apiPath"`    // e.g. /api/embeddings
	APIKey     string        `yaml:"apiKey"`     // openai only
	Model      string        `yaml:"model"`      // e.g. mxbai-embed-large
	Dimensions int           `yaml:"dimensions"` // expected dimension
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cacheSize"` // >0 wraps the provider in an LRU cache
}

// DefaultConfig returns the local deterministic provider: 256 dimensions,
// no network, no model downloads.
func DefaultConfig() *Config {
	return &Config{Provider: "hash", Dimensions: 256, CacheSize: 4096}
}

// DefaultOllamaConfig returns configuration for a local Ollama instance
// running mxbai-embed-large.
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig returns configuration for text-embedding-3-small.
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// NewEmbedder constructs the provider named by config.Provider, wrapping it
// in an LRU cache when CacheSize is positive.
func NewEmbedder(config *Config) (Embedder, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var inner Embedder
	switch config.Provider {
	case "", "hash":
		dims := config.Dimensions
		if dims <= 0 {
			dims = 256
		}
		inner = NewHash(dims)
	case "ollama":
		inner = NewOllama(config)
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		inner = NewOpenAI(config)
	default:
		return nil, fmt.Errorf("unknown vectorizer provider: %s", config.Provider)
	}

	if config.CacheSize > 0 {
		return NewCached(inner, config.CacheSize), nil
	}
	return inner, nil
}
