package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
)

// Defaults applied by New when the config leaves a field zero.
const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

// New constructs a Generator from an explicit Config, delegating to the
// appropriate backend constructor. Validation happens here so callers get a
// clear error at startup rather than on the first query.
func New(ctx context.Context, cfg *Config) (Generator, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}

	var (
		m   model.ChatModel //nolint:staticcheck // SA1019: model.ChatModel deprecated upstream; migration tracked separately
		err error
	)
	switch cfg.Backend {
	case BackendOllama, "":
		m, err = newOllama(ctx, cfg)
	case BackendOpenAI:
		m, err = newOpenAI(ctx, cfg)
	case BackendAzure:
		m, err = newAzure(ctx, cfg)
	case BackendVLLM:
		m, err = newOpenAICompatible(ctx, "vllm", cfg)
	case BackendXinference:
		m, err = newOpenAICompatible(ctx, "xinference", cfg)
	case BackendGemini:
		m, err = newGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w %q — valid values: ollama, openai, azure, vllm, xinference, gemini", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &chatGenerator{model: m}, nil
}
