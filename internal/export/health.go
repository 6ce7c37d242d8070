package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for node health. Decode
// failures, type mismatches and relay failures surface here: they are
// counted and the offending input dropped, never fatal.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Ingest layer.
	FramesReceived  *prometheus.CounterVec // transport, frame
	FramesDropped   *prometheus.CounterVec // transport, reason
	MetricsIngested prometheus.Counter
	TypeMismatches  prometheus.Counter
	TrackedMetrics  prometheus.Gauge

	// Relay layer.
	RelayEnqueued prometheus.Counter
	RelayDropped  prometheus.Counter
	RelaySent     *prometheus.CounterVec // peer
	RelayFailures *prometheus.CounterVec // peer

	// Flush and backend layer.
	FlushesTotal         prometheus.Counter
	FlushDuration        prometheus.Histogram
	SnapshotRowsWritten  prometheus.Counter
	SnapshotBatchErrors  prometheus.Counter
	BackendBatchDuration prometheus.Histogram
	BackendConnected     prometheus.Gauge

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metricmesh",
				Name:      "frames_received_total",
				Help:      "Wire frames received, by transport and frame tag.",
			},
			[]string{"transport", "frame"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metricmesh",
				Name:      "frames_dropped_total",
				Help:      "Frames dropped, by transport and reason.",
			},
			[]string{"transport", "reason"},
		),
		MetricsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "metrics_ingested_total",
			Help:      "Raw observations merged into the aggregate store.",
		}),
		TypeMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "type_mismatches_total",
			Help:      "Observations rejected for arriving under a name tracked with a different variant.",
		}),
		TrackedMetrics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricmesh",
			Name:      "tracked_metrics",
			Help:      "Metric names currently tracked by the engine.",
		}),

		RelayEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "relay_enqueued_total",
			Help:      "Observations enqueued for peer relay.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "relay_dropped_total",
			Help:      "Observations dropped because the relay queue was full.",
		}),
		RelaySent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metricmesh",
				Name:      "relay_sent_total",
				Help:      "Relay batches delivered, per peer.",
			},
			[]string{"peer"},
		),
		RelayFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metricmesh",
				Name:      "relay_failures_total",
				Help:      "Relay delivery failures, per peer.",
			},
			[]string{"peer"},
		),

		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "flushes_total",
			Help:      "Aggregate flush cycles completed.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricmesh",
			Name:      "flush_duration_seconds",
			Help:      "Time to drain the aggregate store into a snapshot.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		SnapshotRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "snapshot_rows_written_total",
			Help:      "Snapshot rows written to the storage backend.",
		}),
		SnapshotBatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricmesh",
			Name:      "snapshot_batch_errors_total",
			Help:      "Failed snapshot batch inserts.",
		}),
		BackendBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricmesh",
			Name:      "backend_batch_duration_seconds",
			Help:      "Time to write a snapshot batch to the backend.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BackendConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricmesh",
			Name:      "backend_connected",
			Help:      "Whether the storage backend connection is up (1) or down (0).",
		}),
	}

	reg.MustRegister(
		h.FramesReceived,
		h.FramesDropped,
		h.MetricsIngested,
		h.TypeMismatches,
		h.TrackedMetrics,
		h.RelayEnqueued,
		h.RelayDropped,
		h.RelaySent,
		h.RelayFailures,
		h.FlushesTotal,
		h.FlushDuration,
		h.SnapshotRowsWritten,
		h.SnapshotBatchErrors,
		h.BackendBatchDuration,
		h.BackendConnected,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started with
// ":0" to recover the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
