// Package provider selects and constructs the answer-generation model
// backend. Supported backends: Ollama, OpenAI, Azure OpenAI, vLLM,
// Xinference, and Google Gemini. vLLM and Xinference speak the
// OpenAI-compatible chat API, so they share the OpenAI construction path
// with an explicit base URL.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Backend enumerates the supported generation providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendVLLM selects a vLLM server via its OpenAI-compatible API.
	BackendVLLM Backend = "vllm"
	// BackendXinference selects an Xinference server via its OpenAI-compatible API.
	BackendXinference Backend = "xinference"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ErrUnavailable wraps generation failures caused by the model backend being
// unreachable or rejecting the request. The query pipeline degrades to a
// retrieval-only answer when it sees this.
var ErrUnavailable = errors.New("provider: model backend unavailable")

// ErrUnknownBackend is returned when a backend tag names no supported
// provider. It is a caller error, not a deployment fault.
var ErrUnknownBackend = errors.New("provider: unknown backend")

// Config holds provider-level configuration resolved by the config layer.
type Config struct {
	// Backend identifies which generation provider to use.
	Backend Backend

	// Model is the model name or deployment ID (e.g. "gpt-4o", "llama3").
	Model string

	// BaseURL overrides the default API endpoint. Required for vllm and
	// xinference, optional for ollama, unused for openai and gemini.
	BaseURL string

	// APIKey is the authentication credential for the selected backend.
	APIKey string

	// AzureDeployment is the Azure OpenAI deployment name (Azure only).
	AzureDeployment string

	// AzureAPIVersion is the Azure OpenAI REST API version (Azure only).
	AzureAPIVersion string

	// MaxTokens caps the number of tokens per generated answer.
	MaxTokens int

	// Temperature controls response randomness (0.0-1.0).
	Temperature float32
}

// GenOptions carries per-request generation overrides. Zero-valued fields
// fall back to the backend's configured defaults.
type GenOptions struct {
	// Model overrides the configured model or deployment name.
	Model string

	// Temperature overrides the configured sampling temperature when > 0.
	Temperature float32
}

// Generator produces one answer from a prompt. It is the narrow surface the
// query pipeline depends on; the eino ChatModel stays an implementation
// detail behind it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts *GenOptions) (string, error)
}

// chatGenerator adapts an eino ChatModel to the Generator interface.
type chatGenerator struct {
	model model.ChatModel //nolint:staticcheck // SA1019: model.ChatModel deprecated upstream; migration tracked separately
}

// Generate sends the prompt as a single user message and returns the model's
// text, applying any per-request overrides as eino model options. Transport
// and backend failures are wrapped in ErrUnavailable so callers can
// distinguish "model down" from "bad request".
func (g *chatGenerator) Generate(ctx context.Context, prompt string, opts *GenOptions) (string, error) {
	var mopts []model.Option
	if opts != nil {
		if opts.Model != "" {
			mopts = append(mopts, model.WithModel(opts.Model))
		}
		if opts.Temperature > 0 {
			mopts = append(mopts, model.WithTemperature(opts.Temperature))
		}
	}
	msg, err := g.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)}, mopts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg.Content, nil
}
