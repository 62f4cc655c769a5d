package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEmbedder calls a local Ollama instance's embeddings API.
// Thread-safe; the underlying http.Client handles connection reuse.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama creates an Ollama embedder. A nil config uses the defaults.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	if config.APIURL == "" {
		config.APIURL = "http://localhost:11434"
	}
	if config.APIPath == "" {
		config.APIPath = "/api/embeddings"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements Embedder.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.APIURL+o.config.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrUnavailable, resp.StatusCode, payload)
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return toFloat32(parsed.Embedding), nil
}

// EmbedBatch implements Embedder by sequential calls; the Ollama embeddings
// endpoint takes one prompt at a time.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (o *OllamaEmbedder) Dimensions() int { return o.config.Dimensions }

// Model implements Embedder.
func (o *OllamaEmbedder) Model() string { return o.config.Model }

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI creates an OpenAI embedder. A nil config is invalid here since
// an API key is required; construct through NewEmbedder for validation.
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config.APIURL == "" {
		config.APIURL = "https://api.openai.com"
	}
	if config.APIPath == "" {
		config.APIPath = "/v1/embeddings"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed implements Embedder.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder with a single API call.
func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiRequest{Model: o.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.APIURL+o.config.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: openai returned %d: %s", ErrUnavailable, resp.StatusCode, payload)
	}

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrUnavailable, len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrUnavailable, item.Index)
		}
		out[item.Index] = toFloat32(item.Embedding)
	}
	return out, nil
}

// Dimensions implements Embedder.
func (o *OpenAIEmbedder) Dimensions() int { return o.config.Dimensions }

// Model implements Embedder.
func (o *OpenAIEmbedder) Model() string { return o.config.Model }

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
