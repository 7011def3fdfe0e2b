// Package server — metrics.go registers the Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler is the "handler" label value used to partition metrics by the
// logical endpoint name rather than the raw URL path.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler name, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// uploadBytes records the size of accepted document uploads.
	uploadBytes prometheus.Histogram

	// reviewActionsTotal counts review decisions, partitioned by action
	// ("approve" or "reject").
	reviewActionsTotal *prometheus.CounterVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default —
// this keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbase",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		uploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbase",
			Subsystem: "http",
			Name:      "upload_bytes",
			Help:      "Size in bytes of accepted document uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		reviewActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "review",
			Name:      "actions_total",
			Help:      "Total number of review decisions, partitioned by action.",
		}, []string{"action"}),
	}
}
