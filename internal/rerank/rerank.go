// Package rerank reorders retrieved chunks by query relevance using an
// external cross-encoder service. The client targets the /v1/rerank API
// served by Xinference and compatible deployments. Rerank failures are
// recoverable — the pipeline falls back to vector-score order — so errors
// here are reported, never fatal.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Result pairs a candidate's original position with its relevance score.
type Result struct {
	// Index is the candidate's position in the input slice.
	Index int

	// Score is the model's relevance score, higher is better. Typical
	// cross-encoders emit values in roughly [-1, 1] but the range is not
	// guaranteed across models.
	Score float64
}

// ProviderXinference is the rerank provider tag served by this package.
// Requests may name it explicitly; any other tag is unsupported.
const ProviderXinference = "xinference"

// Options carries per-call overrides.
type Options struct {
	// Model overrides the client's configured model for this call.
	Model string

	// TopN limits the returned results. Zero or negative returns all.
	TopN int
}

// Reranker scores candidate texts against a query and returns them in
// descending relevance order. A nil opts applies the configured defaults.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string, opts *Options) ([]Result, error)
}

// Config holds the settings for the HTTP reranker.
type Config struct {
	// Endpoint is the service base URL (e.g. "http://localhost:9997").
	Endpoint string

	// Model is the rerank model name (e.g. "bge-reranker-v2-m3").
	Model string

	// APIKey is an optional bearer token.
	APIKey string

	// Timeout bounds one rerank call. Zero selects 30s.
	Timeout time.Duration
}

// Client is the HTTP Reranker implementation.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// New constructs a Client. A nil or endpoint-less config is a caller error;
// deployments without a reranker simply don't construct one.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("rerank: an endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// rerankEntry is one scored document in the response. Deployments disagree on
// the score field name, so every known spelling is declared and the first
// non-nil one wins.
type rerankEntry struct {
	Index          *int     `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
	RelevanceCamel *float64 `json:"relevanceScore"`
	Relevance      *float64 `json:"relevance"`
	RerankScore    *float64 `json:"rerank_score"`
}

type rerankResponse struct {
	Results []rerankEntry `json:"results"`
	// Some servers return a bare parallel score array instead of result
	// objects.
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

// Rerank scores the candidates against the query and returns up to
// opts.TopN results in descending score order.
func (c *Client) Rerank(ctx context.Context, query string, candidates []string, opts *Options) ([]Result, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	model := c.model
	topN := 0
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		topN = opts.TopN
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     model,
		Query:     query,
		Documents: candidates,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("rerank: %s", msg)
	}

	results, err := parseResults(&result, len(candidates))
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

// parseResults normalizes the two response shapes into Results.
func parseResults(r *rerankResponse, n int) ([]Result, error) {
	if len(r.Results) > 0 {
		results := make([]Result, 0, len(r.Results))
		for i, entry := range r.Results {
			idx := i
			if entry.Index != nil {
				idx = *entry.Index
			}
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("rerank: result index %d out of range [0, %d)", idx, n)
			}
			score, ok := entry.score()
			if !ok {
				return nil, fmt.Errorf("rerank: result %d carries no recognizable score field", i)
			}
			results = append(results, Result{Index: idx, Score: score})
		}
		return results, nil
	}

	if len(r.Scores) > 0 {
		if len(r.Scores) != n {
			return nil, fmt.Errorf("rerank: expected %d scores, got %d", n, len(r.Scores))
		}
		results := make([]Result, n)
		for i, s := range r.Scores {
			results[i] = Result{Index: i, Score: s}
		}
		return results, nil
	}

	return nil, fmt.Errorf("rerank: response carries neither results nor scores")
}

// score returns the first populated score field.
func (e *rerankEntry) score() (float64, bool) {
	for _, p := range []*float64{e.Score, e.RelevanceScore, e.RelevanceCamel, e.Relevance, e.RerankScore} {
		if p != nil {
			return *p, true
		}
	}
	return 0, false
}
