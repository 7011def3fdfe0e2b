package embedder

import (
	"log/slog"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat models
// which are NOT suitable for embedding. If the configured model matches any
// of these, a warning is emitted so the operator knows they may have
// misconfigured the pipeline.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known chat
// model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate performs a startup pre-flight on the embedding configuration so
// operators get a clear error or warning before the first document is
// indexed rather than a cryptic failure mid-conversion. Hard errors (missing
// key, unknown provider) surface through New; this adds the soft checks.
func Validate(log *slog.Logger, cfg Config) {
	if cfg.Model != "" && looksLikeChatModel(cfg.Model) {
		log.Warn("embedding model looks like a chat model, not an embedding model — "+
			"this will likely produce poor or broken embeddings",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	if cfg.Provider == ProviderHash {
		log.Warn("hash embedding provider selected — vectors are deterministic but carry no semantics; " +
			"retrieval quality will be meaningless outside tests")
	}
}
