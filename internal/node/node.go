// Package node wires the components of a metricmesh node together:
// listeners feed the router, the router feeds the engine and the
// relay, and a flush ticker drains the engine into snapshot frames
// bound for the storage backend.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/engine"
	"github.com/metricmesh/metricmesh/internal/export"
	"github.com/metricmesh/metricmesh/internal/listener"
	"github.com/metricmesh/metricmesh/internal/metric"
	"github.com/metricmesh/metricmesh/internal/relay"
	"github.com/metricmesh/metricmesh/internal/router"
	"github.com/metricmesh/metricmesh/internal/wire"
)

// Node is the top-level orchestrator for a metricmesh node.
type Node interface {
	// Start initializes all components and begins receiving.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
}

type node struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	engine *engine.Engine
	relay  *relay.Relay
	router *router.Router
	lst    *listener.Listener

	writer   *export.ClickHouseWriter
	snapProc *processor.BatchItemProcessor[metric.Metric]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Node from a validated configuration.
func New(log logrus.FieldLogger, cfg *Config) (Node, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	n := &node{
		log:    log.WithField("component", "node"),
		cfg:    cfg,
		health: health,
		engine: engine.New(log, cfg.Engine, health),
	}

	if cfg.Relay.Enabled() {
		r, err := relay.New(log, cfg.Relay, health)
		if err != nil {
			return nil, fmt.Errorf("creating relay: %w", err)
		}

		n.relay = r
	}

	var sink router.SnapshotSink

	if cfg.BackendEnabled() {
		n.writer = export.NewClickHouseWriter(log, cfg.ClickHouse)

		sw := export.NewSnapshotWriter(log, n.writer, health, cfg.ResolveNodeName())

		proc, err := processor.NewBatchItemProcessor[metric.Metric](
			sw,
			"snapshot",
			log,
			processor.WithMaxQueueSize(n.writer.Config().BatchSize*4),
			processor.WithBatchTimeout(n.writer.Config().FlushInterval),
			processor.WithExportTimeout(30*time.Second),
			processor.WithMaxExportBatchSize(n.writer.Config().BatchSize),
			processor.WithWorkers(1),
		)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot processor: %w", err)
		}

		n.snapProc = proc
		sink = &snapshotSink{proc: proc}
	}

	var relayer router.Relayer
	if n.relay != nil {
		relayer = n.relay
	}

	n.router = router.New(log, n.engine, relayer, sink)

	lst, err := listener.New(log, cfg.Listener, n.router, health)
	if err != nil {
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	n.lst = lst

	return n, nil
}

func (n *node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	if err := n.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Connect the storage backend.
	if n.writer != nil {
		if err := n.writer.Start(ctx); err != nil {
			return fmt.Errorf("starting ClickHouse writer: %w", err)
		}

		n.health.BackendConnected.Set(1)
		n.snapProc.Start(ctx)
	}

	// 3. Start the relay workers.
	if n.relay != nil {
		if err := n.relay.Start(ctx); err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
	}

	// 4. Start the frame listeners.
	if err := n.lst.Start(ctx); err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}

	// 5. Start the flush ticker.
	n.wg.Add(1)

	go n.flushLoop(ctx)

	n.log.WithFields(logrus.Fields{
		"node":           n.cfg.ResolveNodeName(),
		"flush_interval": n.cfg.FlushInterval,
		"peers":          len(n.cfg.Relay.Peers),
		"backend":        n.cfg.BackendEnabled(),
	}).Info("Node started")

	return nil
}

// flushLoop drains the engine every flush interval and routes the
// window as a snapshot frame. Snapshots take the same router path as
// received frames, so they obey the same backend-only rule.
func (n *node) flushLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.flush(ctx)
		}
	}
}

func (n *node) flush(ctx context.Context) {
	ms := n.engine.Flush()
	if len(ms) == 0 {
		return
	}

	if err := n.router.Route(ctx, wire.Snapshot(ms)); err != nil {
		n.log.WithError(err).WithField("count", len(ms)).
			Error("Failed to route snapshot")
	}
}

func (n *node) Stop() error {
	n.log.Info("Stopping node...")

	if n.cancel != nil {
		n.cancel()
	}

	// Stop accepting new frames first.
	if err := n.lst.Stop(); err != nil {
		n.log.WithError(err).Warn("Error stopping listeners")
	}

	n.wg.Wait()

	// Final flush so the last partial window is not lost.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n.flush(shutdownCtx)

	if n.relay != nil {
		if err := n.relay.Stop(shutdownCtx); err != nil {
			n.log.WithError(err).Warn("Error stopping relay")
		}
	}

	if n.snapProc != nil {
		if err := n.snapProc.Shutdown(shutdownCtx); err != nil {
			n.log.WithError(err).Warn("Error stopping snapshot processor")
		}
	}

	if n.writer != nil {
		if err := n.writer.Stop(); err != nil {
			n.log.WithError(err).Warn("Error stopping ClickHouse writer")
		}

		n.health.BackendConnected.Set(0)
	}

	if err := n.health.Stop(); err != nil {
		n.log.WithError(err).Warn("Error stopping health metrics")
	}

	n.log.Info("Node stopped")

	return nil
}

// snapshotSink feeds flushed aggregates into the batch processor in
// front of the ClickHouse writer.
type snapshotSink struct {
	proc *processor.BatchItemProcessor[metric.Metric]
}

func (s *snapshotSink) WriteSnapshot(ctx context.Context, ms []*metric.Metric) error {
	if err := s.proc.Write(ctx, ms); err != nil {
		return fmt.Errorf("queueing snapshot rows: %w", err)
	}

	return nil
}
