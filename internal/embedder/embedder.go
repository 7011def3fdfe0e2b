// Package embedder converts chunk and query text into dense vector
// embeddings. Backends are selected by a provider tag; the HTTP backends
// (Ollama, OpenAI, Azure OpenAI) speak the vendor REST APIs directly, and the
// hash backend produces deterministic pseudo-embeddings for tests and offline
// development. All implementations are safe for concurrent use.
package embedder

import (
	"context"
	"fmt"
)

// Provider tags accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderHash   = "hash"
)

// Default embedding models and output dimensions per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultHashDimensions keeps hash vectors small; they carry no semantics.
	defaultHashDimensions = 256
)

// Embedder converts a batch of texts into embeddings. The returned slice is
// parallel to the input slice and every vector has the configured dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and tunes an embedding backend.
type Config struct {
	// Provider is one of ollama, openai, azure, or hash.
	Provider string

	// Endpoint is the backend base URL. Defaults: http://localhost:11434 for
	// ollama, https://api.openai.com/v1 for openai. Required for azure.
	Endpoint string

	// APIKey authenticates openai and azure requests.
	APIKey string

	// Model is the embedding model name. Empty selects the backend default.
	Model string

	// Dimensions is the embedding vector length. Zero selects the backend
	// default.
	Dimensions int

	// APIVersion is the Azure OpenAI api-version query parameter.
	APIVersion string
}

// Dimensions returns the effective embedding vector length for cfg, which
// callers need up front to size the vector index collection.
func (c Config) EffectiveDimensions() int {
	if c.Dimensions > 0 {
		return c.Dimensions
	}
	switch c.Provider {
	case ProviderOllama:
		return defaultOllamaDimensions
	case ProviderHash:
		return defaultHashDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// New constructs the Embedder selected by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		host := cfg.Endpoint
		if host == "" {
			host = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		return NewOllama(host, model), nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai requires an API key")
		}
		baseURL := cfg.Endpoint
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAI(&OpenAIParams{
			BaseURL:    baseURL,
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: cfg.Dimensions,
		}), nil

	case ProviderAzure:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: azure requires an API key")
		}
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires an endpoint")
		}
		apiVersion := cfg.APIVersion
		if apiVersion == "" {
			apiVersion = "2025-04-01-preview"
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAI(&OpenAIParams{
			BaseURL:    cfg.Endpoint + "/openai",
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: cfg.Dimensions,
			Azure:      true,
			APIVersion: apiVersion,
		}), nil

	case ProviderHash:
		return NewHash(cfg.EffectiveDimensions()), nil

	default:
		return nil, fmt.Errorf("embedder: unknown provider %q — valid values: ollama, openai, azure, hash", cfg.Provider)
	}
}
