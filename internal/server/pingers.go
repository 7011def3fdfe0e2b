package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vektis/kbase-go/internal/vecindex"
)

// QdrantPinger probes the vector index using Qdrant's native health RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// index is the Qdrant-backed vector index to probe.
	index *vecindex.QdrantIndex
}

// NewQdrantPinger constructs a QdrantPinger for the given index.
func NewQdrantPinger(index *vecindex.QdrantIndex) *QdrantPinger {
	return &QdrantPinger{index: index}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant health RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if err := p.index.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// HTTPPinger probes an HTTP dependency (embedding endpoint, reranker) by
// issuing a GET against its base URL. Any response, including 4xx, counts as
// reachable; only transport errors and 5xx mark the dependency down.
type HTTPPinger struct {
	// client issues the probe requests.
	client *http.Client
	// endpoint is the base URL to probe.
	endpoint string
	// name identifies the dependency in readiness responses.
	name string
}

// NewHTTPPinger constructs an HTTPPinger for the given endpoint and label.
// Returns an error when the endpoint is not a valid URL.
func NewHTTPPinger(endpoint, name string) (*HTTPPinger, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("server: invalid %s endpoint %q: %w", name, endpoint, err)
	}
	return &HTTPPinger{client: &http.Client{}, endpoint: endpoint, name: name}, nil
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues a GET against the endpoint's base URL.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
