package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama context-length recovery parameters. When the model rejects a text
// for exceeding its context window, the text is shrunk and retried rather
// than failing the whole document.
const (
	ollamaShrinkAttempts = 5
	ollamaShrinkFactor   = 0.75
	ollamaMinShrinkLen   = 128
)

// Ollama implements Embedder against the Ollama /api/embed endpoint. No API
// key is required.
type Ollama struct {
	host   string
	model  string
	client *http.Client
}

// NewOllama constructs an Ollama embedder for the given server and model.
func NewOllama(host, model string) *Ollama {
	return &Ollama{
		host:   host,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed converts a batch of texts into embeddings. The whole batch is sent in
// one call; if the model rejects it for context length, each text is embedded
// individually with progressive shrinking so one oversized chunk cannot sink
// its siblings.
func (e *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings, err := e.call(ctx, texts)
	if err == nil {
		return embeddings, nil
	}
	if !isContextLengthError(err) {
		return nil, err
	}

	embeddings = make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.embedShrinking(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("ollama embedder: text %d: %w", i, err)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// embedShrinking embeds one text, trimming it by ollamaShrinkFactor on each
// context-length rejection until it fits or the attempt budget runs out.
func (e *Ollama) embedShrinking(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < ollamaShrinkAttempts; attempt++ {
		vecs, err := e.call(ctx, []string{text})
		if err == nil {
			return vecs[0], nil
		}
		if !isContextLengthError(err) {
			return nil, err
		}
		lastErr = err

		next := int(float64(len(text)) * ollamaShrinkFactor)
		if next < ollamaMinShrinkLen {
			break
		}
		text = text[:next]
	}
	return nil, fmt.Errorf("text exceeds model context window after shrinking: %w", lastErr)
}

// call performs one /api/embed request.
func (e *Ollama) call(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("ollama embedder: %s", msg)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// isContextLengthError reports whether err is Ollama's rejection of an input
// that exceeds the model's context window.
func isContextLengthError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "context length")
}
