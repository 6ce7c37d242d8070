package export

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/metric"
)

// SnapshotWriter persists flushed aggregates to the ClickHouse metrics
// table. It implements processor.ItemExporter so the node can feed it
// through a batch processor: rows queue up and land in ClickHouse as
// batched inserts rather than one insert per metric.
type SnapshotWriter struct {
	log    logrus.FieldLogger
	writer *ClickHouseWriter
	cfg    ClickHouseConfig
	health *HealthMetrics
	node   string
}

// NewSnapshotWriter creates a snapshot writer on top of an opened
// ClickHouse connection.
func NewSnapshotWriter(
	log logrus.FieldLogger,
	writer *ClickHouseWriter,
	health *HealthMetrics,
	nodeName string,
) *SnapshotWriter {
	return &SnapshotWriter{
		log:    log.WithField("component", "snapshot_writer"),
		writer: writer,
		cfg:    writer.Config(),
		health: health,
		node:   nodeName,
	}
}

// ExportItems writes one batch of snapshot metrics as a single insert.
func (w *SnapshotWriter) ExportItems(ctx context.Context, items []*metric.Metric) error {
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	conn := w.writer.Conn()
	table := fmt.Sprintf("%s.%s", w.cfg.Database, w.cfg.Table)

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		updated_date_time, node, name, type, value, timestamp,
		sampling, update_counter,
		timer_samples, sample_count, set_cardinality,
		histogram_left, histogram_boundaries, histogram_counts
	)`, table))
	if err != nil {
		w.recordBatchError()

		return fmt.Errorf("preparing snapshot batch: %w", err)
	}

	now := time.Now()

	for _, m := range items {
		row := newSnapshotRow(m)

		if err := batch.Append(
			now, w.node, m.Name, m.Type.Kind().String(), m.Value, row.Timestamp,
			m.Meta.Sampling, m.Meta.UpdateCounter,
			row.TimerSamples, row.SampleCount, row.SetCardinality,
			row.HistogramLeft, row.HistogramBoundaries, row.HistogramCounts,
		); err != nil {
			return fmt.Errorf("appending snapshot row for %q: %w", m.Name, err)
		}
	}

	if err := batch.Send(); err != nil {
		w.recordBatchError()

		return fmt.Errorf("sending snapshot batch: %w", err)
	}

	if w.health != nil {
		w.health.SnapshotRowsWritten.Add(float64(len(items)))
		w.health.BackendBatchDuration.Observe(time.Since(start).Seconds())
	}

	w.log.WithField("rows", len(items)).Debug("Flushed snapshot batch")

	return nil
}

// Shutdown satisfies processor.ItemExporter. The underlying connection
// is owned and closed by the ClickHouseWriter.
func (w *SnapshotWriter) Shutdown(_ context.Context) error {
	return nil
}

func (w *SnapshotWriter) recordBatchError() {
	if w.health != nil {
		w.health.SnapshotBatchErrors.Inc()
	}
}

// snapshotRow holds the variant-dependent columns of a metrics row.
// Columns that do not apply to the variant stay at their zero value.
type snapshotRow struct {
	Timestamp           uint64
	TimerSamples        []float64
	SampleCount         uint64
	SetCardinality      uint64
	HistogramLeft       uint64
	HistogramBoundaries []float64
	HistogramCounts     []uint64
}

func newSnapshotRow(m *metric.Metric) snapshotRow {
	row := snapshotRow{
		TimerSamples:        []float64{},
		HistogramBoundaries: []float64{},
		HistogramCounts:     []uint64{},
	}

	if m.Timestamp != nil {
		row.Timestamp = *m.Timestamp
	}

	switch v := m.Type.(type) {
	case *metric.Timer:
		row.TimerSamples = v.Samples
		// Sampled timers record every observation the agent saw; the
		// true event count is scaled up by the inverse sampling rate
		// here, at the edge of the system.
		row.SampleCount = scaledCount(len(v.Samples), m.Meta.Sampling)
	case *metric.Set:
		row.SetCardinality = v.Cardinality()
	case *metric.Histogram:
		row.HistogramLeft = v.LeftCount
		row.HistogramBoundaries = make([]float64, 0, len(v.Buckets))
		row.HistogramCounts = make([]uint64, 0, len(v.Buckets))

		for _, b := range v.Buckets {
			row.HistogramBoundaries = append(row.HistogramBoundaries, b.Boundary)
			row.HistogramCounts = append(row.HistogramCounts, b.Count)
		}
	}

	return row
}

func scaledCount(n int, sampling float32) uint64 {
	if sampling <= 0 || sampling >= 1 {
		return uint64(n)
	}

	return uint64(math.Round(float64(n) / float64(sampling)))
}
