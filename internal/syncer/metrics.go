package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// syncMetrics holds the Prometheus metrics owned by the syncer. An instance
// is created per Syncer so tests can inject a fresh registry.
type syncMetrics struct {
	// opsTotal counts vector index operations, partitioned by operation
	// (chunk_upsert, chunk_delete, reindex, reembed, document_delete) and
	// outcome ("ok" or "error").
	opsTotal *prometheus.CounterVec
}

func newSyncMetrics(reg prometheus.Registerer) *syncMetrics {
	factory := promauto.With(reg)
	return &syncMetrics{
		opsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "sync",
			Name:      "ops_total",
			Help:      "Total number of vector index sync operations, partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
}
