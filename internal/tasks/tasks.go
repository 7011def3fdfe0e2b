// Package tasks runs document conversion in the background. Uploads return
// immediately; a small worker pool picks up queued documents, converts their
// payload to plain text, splits it into chunks, and records the outcome on
// the document. Failed conversions are retried with backoff up to a fixed
// budget, then marked failed with the error preserved for the owner.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vektis/kbase-go/internal/convert"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/objstore"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/store"
)

// Config tunes the conversion runner.
type Config struct {
	// Workers is the number of concurrent conversion workers (default 2).
	Workers int

	// MaxAttempts is the per-document conversion attempt budget (default 3).
	MaxAttempts int

	// Backoff is the base delay between attempts; attempt n waits n*Backoff
	// (default 2s). Tests set this to zero.
	Backoff time.Duration

	// QueueSize bounds the in-memory job queue (default 256).
	QueueSize int
}

// Runner is the conversion worker pool.
type Runner struct {
	store *store.Store
	blobs objstore.Store
	split splitter.Strategy
	cfg   Config

	jobs    chan int64
	wg      sync.WaitGroup
	metrics *taskMetrics

	mu      sync.Mutex
	started bool
}

type taskMetrics struct {
	// conversionsTotal counts finished conversions by outcome: "ok",
	// "failed", or "unsupported".
	conversionsTotal *prometheus.CounterVec

	// queueDepth is the number of documents waiting for a worker.
	queueDepth prometheus.Gauge
}

// New constructs a Runner. Call Start before Enqueue.
func New(st *store.Store, blobs objstore.Store, split splitter.Strategy, cfg Config, reg prometheus.Registerer) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	factory := promauto.With(reg)
	return &Runner{
		store: st,
		blobs: blobs,
		split: split,
		cfg:   cfg,
		jobs:  make(chan int64, cfg.QueueSize),
		metrics: &taskMetrics{
			conversionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kbase",
				Subsystem: "convert",
				Name:      "conversions_total",
				Help:      "Total number of finished document conversions, partitioned by outcome.",
			}, []string{"outcome"}),
			queueDepth: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "kbase",
				Subsystem: "convert",
				Name:      "queue_depth",
				Help:      "Number of documents waiting for a conversion worker.",
			}),
		},
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled and the
// queue drains; Wait blocks until then.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case docID, ok := <-r.jobs:
					if !ok {
						return
					}
					r.metrics.queueDepth.Dec()
					r.Process(ctx, docID)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Enqueue schedules a document for conversion. The call never blocks the
// upload path: when the queue is full the send completes from a goroutine.
func (r *Runner) Enqueue(docID int64) {
	r.metrics.queueDepth.Inc()
	select {
	case r.jobs <- docID:
	default:
		go func() { r.jobs <- docID }()
	}
}

// Process converts one document synchronously, retrying per the attempt
// budget. Exposed for the CLI reindex path and tests; the workers call it for
// queued jobs.
func (r *Runner) Process(ctx context.Context, docID int64) {
	log := logging.FromContext(ctx).With(slog.Int64("document_id", docID))

	doc, err := r.store.GetDocument(ctx, docID)
	if err != nil {
		// Deleted between enqueue and pickup.
		log.Warn("conversion job dropped", slog.String("error", err.Error()))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := r.convertOnce(ctx, doc, attempt)
		if err == nil {
			r.metrics.conversionsTotal.WithLabelValues("ok").Inc()
			log.Info("document converted", slog.Int("attempts", attempt))
			return
		}
		lastErr = err

		if errors.Is(err, convert.ErrUnsupported) {
			// Terminal: retrying cannot change the content type.
			r.fail(ctx, doc, err, attempt, "unsupported")
			return
		}

		log.Warn("conversion attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < r.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * r.cfg.Backoff):
			}
		}
	}

	r.fail(ctx, doc, lastErr, r.cfg.MaxAttempts, "failed")
}

// convertOnce performs one conversion attempt end to end.
func (r *Runner) convertOnce(ctx context.Context, doc *store.Document, attempt int) error {
	raw, err := r.blobs.Get(doc.ContentRef)
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}

	text, err := convert.ToText(doc.Name, doc.ContentType, raw)
	if err != nil {
		return err
	}

	ref, err := r.blobs.Put(doc.Name+".txt", []byte(text))
	if err != nil {
		return fmt.Errorf("store converted text: %w", err)
	}

	if _, err := r.store.ReplaceChunks(ctx, doc.ID, r.split.Split(text)); err != nil {
		return fmt.Errorf("write chunks: %w", err)
	}
	if err := r.store.UpdateConversion(ctx, doc.ID, store.ConversionReady, ref, "", attempt); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// fail records a terminal conversion failure.
func (r *Runner) fail(ctx context.Context, doc *store.Document, cause error, attempts int, outcome string) {
	r.metrics.conversionsTotal.WithLabelValues(outcome).Inc()
	logging.FromContext(ctx).Error("document conversion failed",
		slog.Int64("document_id", doc.ID),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()))

	if err := r.store.UpdateConversion(ctx, doc.ID, store.ConversionFailed, "", cause.Error(), attempts); err != nil {
		logging.FromContext(ctx).Error("could not record conversion failure",
			slog.Int64("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
}
