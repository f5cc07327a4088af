// Package embedding provides text embedding clients for the similarity
// engine. Implements OpenAI and Ollama backends behind a common interface.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embedder converts text into a dense vector. Implementations are safe for
// concurrent use.
type Embedder interface {
	// ModelID identifies the backing model, e.g. "openai/text-embedding-3-small".
	ModelID() string
	// Dimension returns the embedding dimension.
	Dimension() int
	// Embed generates an embedding for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	// Close releases the backing connection.
	Close() error
}

// Provider selects an embedding backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// Config configures an embedding client.
type Config struct {
	Provider Provider      `json:"provider" yaml:"provider"`
	Model    string        `json:"model" yaml:"model"`
	APIKey   string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration for a backend.
func DefaultConfig(provider Provider) Config {
	config := Config{
		Provider: provider,
		Timeout:  30 * time.Second,
	}

	switch provider {
	case ProviderOpenAI:
		config.Model = "text-embedding-3-small"
		config.BaseURL = "https://api.openai.com/v1"
	case ProviderOllama:
		config.Model = "nomic-embed-text"
		config.BaseURL = "http://localhost:11434"
	}

	return config
}

// New creates an embedding client from config.
func New(config Config) (Embedder, error) {
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIEmbedder(config), nil
	case ProviderOllama:
		return NewOllamaEmbedder(config), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	config     Config
	httpClient *http.Client
	dimension  int
}

// NewOpenAIEmbedder creates a new OpenAI embedding client.
func NewOpenAIEmbedder(config Config) *OpenAIEmbedder {
	dimension := 1536
	switch config.Model {
	case "text-embedding-3-small":
		dimension = 1536
	case "text-embedding-3-large":
		dimension = 3072
	case "text-embedding-ada-002":
		dimension = 1536
	}

	return &OpenAIEmbedder{
		config:    config,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// ModelID identifies the backing model.
func (m *OpenAIEmbedder) ModelID() string {
	return fmt.Sprintf("openai/%s", m.config.Model)
}

// Dimension returns the embedding dimension.
func (m *OpenAIEmbedder) Dimension() int {
	return m.dimension
}

// Embed generates an embedding for the given text.
func (m *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	embeddings, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (m *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": m.config.Model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/embeddings", m.config.BaseURL),
		strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", m.config.APIKey))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OpenAI embeddings error: %s - %s", resp.Status, string(respBody))
	}

	var result struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	embeddings := make([][]float64, len(result.Data))
	for i, item := range result.Data {
		embeddings[i] = item.Embedding
	}

	return embeddings, nil
}

// Close releases the backing connection.
func (m *OpenAIEmbedder) Close() error {
	return nil
}

// OllamaEmbedder calls a local Ollama embeddings endpoint.
type OllamaEmbedder struct {
	config     Config
	httpClient *http.Client
	dimension  int
}

// NewOllamaEmbedder creates a new Ollama embedding client.
func NewOllamaEmbedder(config Config) *OllamaEmbedder {
	dimension := 768
	switch config.Model {
	case "nomic-embed-text":
		dimension = 768
	case "mxbai-embed-large":
		dimension = 1024
	case "all-minilm":
		dimension = 384
	}

	return &OllamaEmbedder{
		config:    config,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// ModelID identifies the backing model.
func (m *OllamaEmbedder) ModelID() string {
	return fmt.Sprintf("ollama/%s", m.config.Model)
}

// Dimension returns the embedding dimension.
func (m *OllamaEmbedder) Dimension() int {
	return m.dimension
}

// Embed generates an embedding for the given text.
func (m *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody := map[string]interface{}{
		"model":  m.config.Model,
		"prompt": text,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/embeddings", m.config.BaseURL),
		strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Ollama embeddings error: %s - %s", resp.Status, string(respBody))
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no batch
// endpoint, so texts are embedded one at a time.
func (m *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	embeddings := make([][]float64, len(texts))
	for i, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Close releases the backing connection.
func (m *OllamaEmbedder) Close() error {
	return nil
}
