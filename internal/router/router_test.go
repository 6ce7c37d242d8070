package router

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricmesh/metricmesh/internal/metric"
	"github.com/metricmesh/metricmesh/internal/wire"
)

type fakeIngester struct {
	ingested []*metric.Metric
	err      error
}

func (f *fakeIngester) Ingest(m *metric.Metric) error {
	if f.err != nil {
		return f.err
	}

	f.ingested = append(f.ingested, m)

	return nil
}

type fakeRelayer struct {
	enqueued []*metric.Metric
}

func (f *fakeRelayer) Enqueue(_ context.Context, ms []*metric.Metric) {
	f.enqueued = append(f.enqueued, ms...)
}

type fakeSink struct {
	written []*metric.Metric
	err     error
}

func (f *fakeSink) WriteSnapshot(_ context.Context, ms []*metric.Metric) error {
	if f.err != nil {
		return f.err
	}

	f.written = append(f.written, ms...)

	return nil
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func mustMetric(t *testing.T, name string) *metric.Metric {
	t.Helper()

	m, err := metric.New(name, 1, metric.Counter{}, nil, 0)
	require.NoError(t, err)

	return m
}

func TestRoute_SingleIngestsAndRelays(t *testing.T) {
	ing := &fakeIngester{}
	rel := &fakeRelayer{}
	sink := &fakeSink{}
	r := New(testLog(), ing, rel, sink)

	m := mustMetric(t, "c")

	require.NoError(t, r.Route(context.Background(), wire.Single(m)))

	require.Len(t, ing.ingested, 1)
	require.Len(t, rel.enqueued, 1)
	assert.Empty(t, sink.written)
}

func TestRoute_MultiIngestsAndRelaysAll(t *testing.T) {
	ing := &fakeIngester{}
	rel := &fakeRelayer{}
	r := New(testLog(), ing, rel, nil)

	ms := []*metric.Metric{
		mustMetric(t, "a"),
		mustMetric(t, "b"),
		mustMetric(t, "c"),
	}

	require.NoError(t, r.Route(context.Background(), wire.Multi(ms)))

	assert.Len(t, ing.ingested, 3)
	assert.Len(t, rel.enqueued, 3)
}

func TestRoute_SnapshotNeverRelayed(t *testing.T) {
	ing := &fakeIngester{}
	rel := &fakeRelayer{}
	sink := &fakeSink{}
	r := New(testLog(), ing, rel, sink)

	ms := []*metric.Metric{
		mustMetric(t, "a"),
		mustMetric(t, "b"),
	}

	require.NoError(t, r.Route(context.Background(), wire.Snapshot(ms)))

	// Snapshots terminate at the backend: not relayed, not re-ingested.
	assert.Len(t, sink.written, 2)
	assert.Empty(t, rel.enqueued)
	assert.Empty(t, ing.ingested)
}

func TestRoute_SnapshotWithoutBackendDropped(t *testing.T) {
	r := New(testLog(), &fakeIngester{}, &fakeRelayer{}, nil)

	err := r.Route(context.Background(), wire.Snapshot([]*metric.Metric{
		mustMetric(t, "a"),
	}))

	assert.NoError(t, err)
}

func TestRoute_SnapshotSinkErrorSurfaces(t *testing.T) {
	sink := &fakeSink{err: errors.New("backend down")}
	r := New(testLog(), &fakeIngester{}, nil, sink)

	err := r.Route(context.Background(), wire.Snapshot([]*metric.Metric{
		mustMetric(t, "a"),
	}))

	assert.Error(t, err)
}

func TestRoute_IngestErrorDoesNotFailEnvelope(t *testing.T) {
	ing := &fakeIngester{err: metric.ErrTypeMismatch}
	rel := &fakeRelayer{}
	r := New(testLog(), ing, rel, nil)

	err := r.Route(context.Background(), wire.Multi([]*metric.Metric{
		mustMetric(t, "a"),
		mustMetric(t, "b"),
	}))

	// Rejected observations are dropped quietly; the relay still saw
	// the whole batch.
	assert.NoError(t, err)
	assert.Len(t, rel.enqueued, 2)
}

func TestRoute_WithoutRelay(t *testing.T) {
	ing := &fakeIngester{}
	r := New(testLog(), ing, nil, nil)

	require.NoError(t, r.Route(context.Background(), wire.Single(mustMetric(t, "a"))))
	assert.Len(t, ing.ingested, 1)
}

func TestRoute_NilEnvelope(t *testing.T) {
	r := New(testLog(), &fakeIngester{}, nil, nil)

	assert.Error(t, r.Route(context.Background(), nil))
}
