// Package relay forwards raw observations to peer nodes. Observations
// flow through a bounded queue into batched multi frames sent over
// TCP; a full queue drops, a failed send tries the next peer. Nothing
// on this path ever blocks or fails local ingestion.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/export"
	"github.com/metricmesh/metricmesh/internal/metric"
	"github.com/metricmesh/metricmesh/internal/wire"
)

// Relay queues observations and ships them to peers in batches.
type Relay struct {
	log    logrus.FieldLogger
	cfg    Config
	proc   *processor.BatchItemProcessor[metric.Metric]
	exp    *peerExporter
	health *export.HealthMetrics
}

// New creates a relay for the configured peer list.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*Relay, error) {
	cfg.ApplyDefaults()

	// Peerless nodes run without a relay; constructing one anyway is
	// a wiring mistake, not a valid no-op configuration.
	if !cfg.Enabled() {
		return nil, errors.New("at least one peer is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	exp, err := newPeerExporter(log, cfg, health)
	if err != nil {
		return nil, err
	}

	proc, err := processor.NewBatchItemProcessor[metric.Metric](
		exp,
		"relay",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return &Relay{
		log:    log.WithField("component", "relay"),
		cfg:    cfg,
		proc:   proc,
		exp:    exp,
		health: health,
	}, nil
}

// Start starts the batch workers.
func (r *Relay) Start(ctx context.Context) error {
	r.proc.Start(ctx)

	r.log.WithFields(logrus.Fields{
		"peers":       len(r.cfg.Peers),
		"compression": r.cfg.Compression,
	}).Info("Relay started")

	return nil
}

// Enqueue hands observations to the send queue. It never blocks:
// when the queue is full the observations are dropped and counted.
func (r *Relay) Enqueue(ctx context.Context, ms []*metric.Metric) {
	if len(ms) == 0 {
		return
	}

	if err := r.proc.Write(ctx, ms); err != nil {
		if r.health != nil {
			r.health.RelayDropped.Add(float64(len(ms)))
		}

		r.log.WithError(err).WithField("count", len(ms)).
			Debug("Dropped observations on full relay queue")

		return
	}

	if r.health != nil {
		r.health.RelayEnqueued.Add(float64(len(ms)))
	}
}

// Stop drains the queue and shuts the workers down.
func (r *Relay) Stop(ctx context.Context) error {
	return r.proc.Shutdown(ctx)
}

// peerExporter sends one batch per call as a compressed multi frame.
// Batches rotate through the peer list; a failed send moves on to the
// next peer up to the configured retry budget.
type peerExporter struct {
	log        logrus.FieldLogger
	cfg        Config
	compressor *wire.Compressor
	health     *export.HealthMetrics
	next       atomic.Uint64
}

var _ processor.ItemExporter[metric.Metric] = (*peerExporter)(nil)

func newPeerExporter(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*peerExporter, error) {
	compressor, err := wire.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &peerExporter{
		log:        log.WithField("component", "relay_exporter"),
		cfg:        cfg,
		compressor: compressor,
		health:     health,
	}, nil
}

// ExportItems encodes the batch as a multi frame and delivers it to
// one peer. The returned error is reported by the batch processor but
// the batch is not re-queued: relayed observations are fire-and-forget.
func (e *peerExporter) ExportItems(ctx context.Context, items []*metric.Metric) error {
	if len(items) == 0 {
		return nil
	}

	frame, err := wire.Multi(items).Encode()
	if err != nil {
		return fmt.Errorf("encoding relay frame: %w", err)
	}

	payload, err := e.compressor.Compress(frame)
	if err != nil {
		return fmt.Errorf("compressing relay frame: %w", err)
	}

	attempts := e.cfg.Retries + 1
	if attempts > len(e.cfg.Peers) {
		attempts = len(e.cfg.Peers)
	}

	var lastErr error

	for i := 0; i < attempts; i++ {
		peer := e.cfg.Peers[e.next.Add(1)%uint64(len(e.cfg.Peers))]

		if err := e.send(ctx, peer, payload); err != nil {
			lastErr = err

			if e.health != nil {
				e.health.RelayFailures.WithLabelValues(peer).Inc()
			}

			e.log.WithError(err).WithField("peer", peer).
				Warn("Relay send failed")

			continue
		}

		if e.health != nil {
			e.health.RelaySent.WithLabelValues(peer).Inc()
		}

		e.log.WithFields(logrus.Fields{
			"peer":  peer,
			"count": len(items),
			"bytes": len(payload),
		}).Debug("Relayed batch")

		return nil
	}

	return fmt.Errorf("relaying batch of %d: %w", len(items), lastErr)
}

func (e *peerExporter) send(ctx context.Context, peer string, payload []byte) error {
	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", peer, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	if err := wire.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("writing to %s: %w", peer, err)
	}

	return nil
}

// Shutdown closes the compressor.
func (e *peerExporter) Shutdown(_ context.Context) error {
	return e.compressor.Close()
}
