package commands

import (
	"os"
	"strconv"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/provider"
	"github.com/vektis/kbase-go/internal/rerank"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// envOr returns the env var's value, or def when unset or empty.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt parses the env var as an int, returning def when unset or invalid.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envFloat32 parses the env var as a float32, returning def when unset or invalid.
func envFloat32(key string, def float32) float32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return def
	}
	return float32(f)
}

// embedderConfigFromEnv assembles the embedding configuration. The provider
// defaults to ollama so a bare local setup works without any configuration.
func embedderConfigFromEnv() embedder.Config {
	return embedder.Config{
		Provider:   envOr("EMBEDDING_PROVIDER", embedder.ProviderOllama),
		Endpoint:   os.Getenv("EMBEDDING_ENDPOINT"),
		APIKey:     os.Getenv("EMBEDDING_API_KEY"),
		Model:      os.Getenv("EMBEDDING_MODEL"),
		Dimensions: envInt("EMBEDDING_DIMENSIONS", 0),
		APIVersion: os.Getenv("EMBEDDING_API_VERSION"),
	}
}

// providerConfigFor assembles the generation model configuration for one
// backend. Queries may name any configured backend per request, so every
// backend's settings are read from its own env vars here, not just the
// default's. Returns false for a backend this build does not know.
func providerConfigFor(backend provider.Backend) (*provider.Config, bool) {
	cfg := &provider.Config{
		Backend:     backend,
		MaxTokens:   envInt("MODEL_MAX_TOKENS", 0),
		Temperature: envFloat32("MODEL_TEMPERATURE", 0),
	}
	switch backend {
	case provider.BackendOllama:
		cfg.BaseURL = os.Getenv("OLLAMA_HOST")
		cfg.Model = envOr("OLLAMA_MODEL", "llama3")
	case provider.BackendOpenAI:
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		cfg.Model = envOr("OPENAI_MODEL", "gpt-4o")
	case provider.BackendAzure:
		cfg.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		cfg.BaseURL = os.Getenv("AZURE_OPENAI_ENDPOINT")
		cfg.AzureDeployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		cfg.AzureAPIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
		cfg.Model = cfg.AzureDeployment
	case provider.BackendVLLM:
		cfg.BaseURL = os.Getenv("VLLM_ENDPOINT")
		cfg.Model = os.Getenv("VLLM_MODEL")
	case provider.BackendXinference:
		cfg.BaseURL = os.Getenv("XINFERENCE_ENDPOINT")
		cfg.Model = os.Getenv("XINFERENCE_MODEL")
	case provider.BackendGemini:
		cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
		cfg.Model = envOr("GEMINI_MODEL", "gemini-2.0-flash")
	default:
		return nil, false
	}
	return cfg, true
}

// providerConfigFromEnv returns the configuration of the default backend,
// named by MODEL_PROVIDER. Returns nil when no backend is selected, which
// runs the service without a query pipeline. An unknown name still yields a
// config so the startup error reports the bad value instead of silently
// disabling queries.
func providerConfigFromEnv() *provider.Config {
	backend := provider.Backend(os.Getenv("MODEL_PROVIDER"))
	if backend == "" {
		return nil
	}
	cfg, ok := providerConfigFor(backend)
	if !ok {
		return &provider.Config{Backend: backend}
	}
	return cfg
}

// rerankConfigFromEnv assembles the reranker configuration. Returns nil when
// RERANK_ENDPOINT is unset; queries then keep vector order.
func rerankConfigFromEnv() *rerank.Config {
	endpoint := os.Getenv("RERANK_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	return &rerank.Config{
		Endpoint: endpoint,
		Model:    os.Getenv("RERANK_MODEL"),
		APIKey:   os.Getenv("RERANK_API_KEY"),
	}
}

// qdrantConfigFromEnv assembles the vector index configuration. Returns nil
// when QDRANT_HOST is unset; the service then runs in store-only mode.
func qdrantConfigFromEnv(vectorSize int) *vecindex.QdrantConfig {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		return nil
	}
	return &vecindex.QdrantConfig{
		Host:       host,
		Port:       envInt("QDRANT_PORT", 0),
		Collection: os.Getenv("QDRANT_COLLECTION"),
		VectorSize: uint64(vectorSize),
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	}
}

// splitParamsFromEnv assembles the default chunking parameters.
func splitParamsFromEnv() splitter.Params {
	return splitter.Params{
		Strategy: os.Getenv("SPLIT_STRATEGY"),
		Size:     envInt("SPLIT_SIZE", 0),
		Overlap:  envInt("SPLIT_OVERLAP", -1),
	}
}
