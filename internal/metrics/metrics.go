// Package metrics provides Prometheus metrics for the Chunk Copier.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Chunk Copier.
type Metrics struct {
	// Block flow
	BlocksRead    *prometheus.CounterVec
	BytesRead     *prometheus.CounterVec
	BlocksWritten *prometheus.CounterVec
	BytesWritten  *prometheus.CounterVec
	FramesSkipped *prometheus.CounterVec

	// Queue state
	QueueDepth   *prometheus.GaugeVec
	QueueBytes   *prometheus.GaugeVec
	GateClosures *prometheus.CounterVec

	// Timing
	TransformDuration *prometheus.HistogramVec
	RunDuration       *prometheus.HistogramVec

	// Outcomes
	Runs *prometheus.CounterVec

	registry *prometheus.Registry
}

var defaultMetrics atomic.Pointer[Metrics]

// Init creates the metrics on a fresh registry and installs them as the
// global instance returned by Get.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "chunk_copier"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		BlocksRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_read_total",
				Help:      "Total number of blocks read from the source",
			},
			[]string{"mode"},
		),
		BytesRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_read_total",
				Help:      "Total number of source bytes read",
			},
			[]string{"mode"},
		),
		BlocksWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_written_total",
				Help:      "Total number of blocks written to the target",
			},
			[]string{"mode"},
		),
		BytesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total number of target bytes written, frame headers included",
			},
			[]string{"mode"},
		),
		FramesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_skipped_total",
				Help:      "Frames dropped after a failed write under the skip policy",
			},
			[]string{"mode"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Blocks currently held by a pipeline queue",
			},
			[]string{"mode", "queue"},
		),
		QueueBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_bytes",
				Help:      "Payload bytes currently held by a pipeline queue",
			},
			[]string{"mode", "queue"},
		),
		GateClosures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_gate_closed_total",
				Help:      "Number of times a queue stalled its producer",
			},
			[]string{"mode", "queue"},
		),
		TransformDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transform_duration_seconds",
				Help:      "Time spent transforming one block",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
			},
			[]string{"mode", "transform"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a complete run",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
			},
			[]string{"mode"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs by terminal outcome",
			},
			[]string{"mode", "outcome"},
		),
		registry: reg,
	}

	defaultMetrics.Store(m)
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics.Load()
}

// Handler serves this instance's registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs an HTTP server for Prometheus scraping until ctx is done.
func Serve(ctx context.Context, address string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Mode      string
	Queue     string
	Transform string
	Outcome   string
}

// AddBlockRead records one block read from the source.
func (m *Metrics) AddBlockRead(l Labels, bytes int) {
	m.BlocksRead.WithLabelValues(l.Mode).Inc()
	m.BytesRead.WithLabelValues(l.Mode).Add(float64(bytes))
}

// AddBlockWritten records one frame written to the target.
func (m *Metrics) AddBlockWritten(l Labels, bytes int) {
	m.BlocksWritten.WithLabelValues(l.Mode).Inc()
	m.BytesWritten.WithLabelValues(l.Mode).Add(float64(bytes))
}

// IncFramesSkipped increments the skipped frames counter.
func (m *Metrics) IncFramesSkipped(l Labels) {
	m.FramesSkipped.WithLabelValues(l.Mode).Inc()
}

// SetQueue sets the current depth and byte size of a queue.
func (m *Metrics) SetQueue(l Labels, depth int, bytes int64) {
	m.QueueDepth.WithLabelValues(l.Mode, l.Queue).Set(float64(depth))
	m.QueueBytes.WithLabelValues(l.Mode, l.Queue).Set(float64(bytes))
}

// IncGateClosures increments the capacity gate closure counter.
func (m *Metrics) IncGateClosures(l Labels) {
	m.GateClosures.WithLabelValues(l.Mode, l.Queue).Inc()
}

// ObserveTransformDuration records the time to transform one block.
func (m *Metrics) ObserveTransformDuration(l Labels, seconds float64) {
	m.TransformDuration.WithLabelValues(l.Mode, l.Transform).Observe(seconds)
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(l Labels, seconds float64) {
	m.Runs.WithLabelValues(l.Mode, l.Outcome).Inc()
	m.RunDuration.WithLabelValues(l.Mode).Observe(seconds)
}
