package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricmesh/metricmesh/internal/metric"
)

func TestSnapshotRow_Timer(t *testing.T) {
	m, err := metric.New("lat", 1, &metric.Timer{}, nil, 0.5)
	require.NoError(t, err)
	require.NoError(t, m.Accumulate(mustTimer(t, "lat", 2, 0.5)))

	row := newSnapshotRow(m)

	assert.Equal(t, []float64{1, 2}, row.TimerSamples)
	// Two recorded samples at a 1-in-2 rate stand for four events.
	assert.Equal(t, uint64(4), row.SampleCount)
}

func TestSnapshotRow_TimerUnsampled(t *testing.T) {
	m, err := metric.New("lat", 1, &metric.Timer{}, nil, 0)
	require.NoError(t, err)

	row := newSnapshotRow(m)

	assert.Equal(t, uint64(1), row.SampleCount)
}

func TestSnapshotRow_Set(t *testing.T) {
	m, err := metric.New("users", 7, &metric.Set{}, nil, 0)
	require.NoError(t, err)

	row := newSnapshotRow(m)

	assert.Equal(t, uint64(1), row.SetCardinality)
	assert.Empty(t, row.TimerSamples)
}

func TestSnapshotRow_Histogram(t *testing.T) {
	h := &metric.Histogram{
		LeftCount: 3,
		Buckets: []metric.HistogramBucket{
			{Boundary: 0, Count: 1},
			{Boundary: 10, Count: 2},
		},
	}

	m, err := metric.New("h", 0, h, nil, 0)
	require.NoError(t, err)

	row := newSnapshotRow(m)

	assert.Equal(t, uint64(3), row.HistogramLeft)
	assert.Equal(t, []float64{0, 10}, row.HistogramBoundaries)
	assert.Equal(t, []uint64{1, 2}, row.HistogramCounts)
}

func TestSnapshotRow_TimestampDefaultsToZero(t *testing.T) {
	m, err := metric.New("c", 1, metric.Counter{}, nil, 0)
	require.NoError(t, err)

	row := newSnapshotRow(m)

	assert.Equal(t, uint64(0), row.Timestamp)
}

func mustTimer(t *testing.T, name string, v float64, sampling float32) *metric.Metric {
	t.Helper()

	m, err := metric.New(name, v, &metric.Timer{}, nil, sampling)
	require.NoError(t, err)

	return m
}
