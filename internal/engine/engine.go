// Package engine implements the in-memory aggregate store: a sharded
// map from metric name to its running aggregate, fed by raw
// observations and drained by periodic flushes.
package engine

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/export"
	"github.com/metricmesh/metricmesh/internal/metric"
)

// Config configures the aggregation engine.
type Config struct {
	// Shards is the number of independently locked map shards.
	// Defaults to 64.
	Shards int `yaml:"shards"`

	// EvictAfterFlushes drops a tracked name after this many
	// consecutive flushes with no new observations. 0 uses the
	// default of 10.
	EvictAfterFlushes int `yaml:"evict_after_flushes"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 64
	}

	if c.EvictAfterFlushes <= 0 {
		c.EvictAfterFlushes = 10
	}
}

// entry is one tracked name plus its staleness bookkeeping.
type entry struct {
	metric *metric.Metric
	// idleFlushes counts consecutive flushes that saw no new
	// observations for this name.
	idleFlushes int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Engine is the sharded aggregate store. Ingest folds raw
// observations into per-name aggregates under the merge law; Flush
// drains a consistent copy of the window and resets it in place.
type Engine struct {
	log        logrus.FieldLogger
	cfg        Config
	shards     []*shard
	health     *export.HealthMetrics
	tracked    atomic.Int64
	receiptNow func() uint64
}

// New creates an engine with the configured shard count.
func New(log logrus.FieldLogger, cfg Config, health *export.HealthMetrics) *Engine {
	cfg.ApplyDefaults()

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	return &Engine{
		log:        log.WithField("component", "engine"),
		cfg:        cfg,
		shards:     shards,
		health:     health,
		receiptNow: func() uint64 { return uint64(time.Now().Unix()) },
	}
}

func (e *Engine) shardFor(name string) *shard {
	h := fnv.New64a()
	h.Write([]byte(name))

	return e.shards[h.Sum64()%uint64(len(e.shards))]
}

// Ingest folds one raw observation into the store. A name seen for
// the first time starts a fresh aggregate; on a tracked name the
// observation accumulates under the merge law. An observation whose
// variant differs from the tracked one is rejected with
// ErrTypeMismatch and the aggregate is left untouched. The caller's
// metric is never modified.
func (e *Engine) Ingest(in *metric.Metric) error {
	if in == nil || in.Name == "" {
		return errors.New("ingest of unnamed metric")
	}

	// An observation with no agent-side timestamp is stamped with the
	// receipt time before it touches the aggregate.
	resolved := in
	if in.Timestamp == nil {
		shallow := *in
		ts := e.receiptNow()
		shallow.Timestamp = &ts
		resolved = &shallow
	}

	s := e.shardFor(in.Name)

	s.mu.Lock()

	ent, ok := s.entries[in.Name]
	if !ok {
		stored := resolved.Clone()
		if stored.Meta.UpdateCounter == 0 {
			stored.Meta.UpdateCounter = 1
		}

		s.entries[in.Name] = &entry{metric: stored}
		s.mu.Unlock()

		e.addTracked(1)
		e.countIngested()

		return nil
	}

	err := ent.metric.Accumulate(resolved)
	if err == nil {
		ent.idleFlushes = 0
	}

	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, metric.ErrTypeMismatch) && e.health != nil {
			e.health.TypeMismatches.Inc()
		}

		return err
	}

	e.countIngested()

	return nil
}

// Flush drains the current window: every aggregate that saw at least
// one observation since the last flush is deep-copied into the
// result, then reset in place. Names idle for too many consecutive
// windows are evicted. The result is sorted by name so snapshots are
// deterministic.
func (e *Engine) Flush() []*metric.Metric {
	start := time.Now()

	var out []*metric.Metric

	evicted := 0

	for _, s := range e.shards {
		s.mu.Lock()

		for name, ent := range s.entries {
			if ent.metric.Meta.UpdateCounter > 0 {
				out = append(out, ent.metric.Clone())
				ent.metric.ResetWindow()
				ent.idleFlushes = 0

				continue
			}

			ent.idleFlushes++
			if ent.idleFlushes >= e.cfg.EvictAfterFlushes {
				delete(s.entries, name)
				evicted++
			}
		}

		s.mu.Unlock()
	}

	if evicted > 0 {
		e.addTracked(-evicted)
		e.log.WithField("evicted", evicted).Debug("Evicted stale metrics")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if e.health != nil {
		e.health.FlushesTotal.Inc()
		e.health.FlushDuration.Observe(time.Since(start).Seconds())
	}

	return out
}

// Len returns the number of tracked names.
func (e *Engine) Len() int {
	n := 0

	for _, s := range e.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}

	return n
}

func (e *Engine) countIngested() {
	if e.health != nil {
		e.health.MetricsIngested.Inc()
	}
}

func (e *Engine) addTracked(delta int) {
	n := e.tracked.Add(int64(delta))

	if e.health != nil {
		e.health.TrackedMetrics.Set(float64(n))
	}
}
