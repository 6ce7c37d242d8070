// Package router decides where a decoded envelope goes. Raw
// observation frames feed the local engine and fan out to peers;
// snapshot frames terminate at the storage backend and are never
// relayed, which is what keeps aggregates from being counted twice.
package router

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/metric"
	"github.com/metricmesh/metricmesh/internal/wire"
)

// Ingester folds raw observations into the local aggregate store.
type Ingester interface {
	Ingest(m *metric.Metric) error
}

// Relayer forwards raw observations to peer nodes.
type Relayer interface {
	Enqueue(ctx context.Context, ms []*metric.Metric)
}

// SnapshotSink persists windowed aggregates.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, ms []*metric.Metric) error
}

// Router dispatches decoded envelopes by frame tag.
type Router struct {
	log    logrus.FieldLogger
	engine Ingester
	relay  Relayer
	sink   SnapshotSink
}

// New creates a router. relay and sink may be nil when the node runs
// without peers or without a storage backend.
func New(
	log logrus.FieldLogger,
	engine Ingester,
	relay Relayer,
	sink SnapshotSink,
) *Router {
	return &Router{
		log:    log.WithField("component", "router"),
		engine: engine,
		relay:  relay,
		sink:   sink,
	}
}

// Route dispatches one envelope. Per-metric failures are logged and
// skipped; the envelope's remaining metrics still flow. The only
// returned errors are a nil or unknown-tag envelope, and a snapshot
// sink failure.
func (r *Router) Route(ctx context.Context, env *wire.Envelope) error {
	if env == nil {
		return errors.New("routing nil envelope")
	}

	switch env.Tag {
	case wire.FrameSingle, wire.FrameMulti:
		r.routeObservations(ctx, env.Metrics)

		return nil

	case wire.FrameSnapshot:
		return r.routeSnapshot(ctx, env.Metrics)

	default:
		return &wire.DecodeError{Reason: "unroutable frame tag"}
	}
}

// routeObservations relays first, then ingests. Ingest never mutates
// the observation it is handed, so both paths can share the slice.
func (r *Router) routeObservations(ctx context.Context, ms []*metric.Metric) {
	if r.relay != nil {
		r.relay.Enqueue(ctx, ms)
	}

	for _, m := range ms {
		if err := r.engine.Ingest(m); err != nil {
			r.log.WithError(err).WithField("metric", m.Name).
				Debug("Rejected observation")
		}
	}
}

func (r *Router) routeSnapshot(ctx context.Context, ms []*metric.Metric) error {
	if r.sink == nil {
		r.log.WithField("count", len(ms)).
			Debug("Dropped snapshot with no backend configured")

		return nil
	}

	return r.sink.WriteSnapshot(ctx, ms)
}
