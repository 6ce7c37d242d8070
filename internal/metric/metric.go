// Package metric defines the typed metric value model shared by the
// whole node: the closed variant union, the merge law that folds two
// observations of the same metric name, and the per-observation
// metadata (sampling rate and update counter).
package metric

import (
	"math"
)

// Meta carries sampling and staleness metadata for a metric.
type Meta struct {
	// Sampling is the inverse of the agent's send probability, in
	// (0, 1]. An observation sampled at rate s contributes 1/s to
	// sum-like aggregates.
	Sampling float32
	// UpdateCounter counts raw observations folded into this metric.
	// The engine increments it once per successful merge; it is used
	// for staleness detection and for resolving gauge write order.
	UpdateCounter uint32
}

// DefaultSampling is applied when the wire omits the sampling field.
const DefaultSampling float32 = 1.0

// Metric is a named, optionally timestamped observation.
type Metric struct {
	// Name is the aggregate store key. Never empty.
	Name string
	// Value is the headline value. Its meaning depends on the
	// variant, but it is always populated: a timer also records the
	// most recent sample here.
	Value float64
	// Type is the variant carrying the value's internal state.
	Type Value
	// Timestamp is the agent-side observation time in seconds.
	// nil means "use receipt time"; the engine resolves it at merge.
	Timestamp *uint64
	// Meta holds sampling and update-counter metadata.
	Meta Meta
}

// New constructs and validates a raw observation. Timer and Set
// variants absorb the headline value into their internal state, so
// agents only need to populate Value.
func New(name string, value float64, typ Value, timestamp *uint64, sampling float32) (*Metric, error) {
	if name == "" {
		return nil, validationf("empty name")
	}

	if typ == nil {
		return nil, validationf("metric %q has no type", name)
	}

	if sampling == 0 {
		sampling = DefaultSampling
	}

	if sampling < 0 || sampling > 1 {
		return nil, validationf("metric %q sampling %v outside (0, 1]", name, sampling)
	}

	switch v := typ.(type) {
	case *Timer:
		v.Samples = append(v.Samples, value)
	case *Set:
		if v.Members == nil {
			v.Members = make(map[uint64]struct{}, 1)
		}

		v.Members[math.Float64bits(value)] = struct{}{}
	case *Gauge:
		if v.Sign != nil && *v.Sign != 1 && *v.Sign != -1 {
			return nil, validationf("metric %q signed gauge direction %d not +1/-1", name, *v.Sign)
		}
	case *Histogram:
		if err := v.validate(); err != nil {
			return nil, err
		}
	}

	return &Metric{
		Name:      name,
		Value:     value,
		Type:      typ,
		Timestamp: timestamp,
		Meta:      Meta{Sampling: sampling, UpdateCounter: 1},
	}, nil
}

// Clone returns a deep copy sharing no mutable state with m.
func (m *Metric) Clone() *Metric {
	c := *m
	c.Type = m.Type.Clone()

	if m.Timestamp != nil {
		ts := *m.Timestamp
		c.Timestamp = &ts
	}

	return &c
}

// sampleRate returns the divisor applied to sum-like contributions of
// a fresh observation. Aggregates (update counter > 1) were already
// scaled when their own observations merged.
func sampleRate(in *Metric) float64 {
	if in.Meta.UpdateCounter > 1 {
		return 1
	}

	if s := float64(in.Meta.Sampling); s > 0 && s <= 1 {
		return s
	}

	return 1
}

// Accumulate folds an incoming observation into m. This is the
// order-sensitive raw ingestion path used by the aggregation engine:
// an absolute gauge observation replaces the value, a diff counter
// advances its last raw reading. Returns ErrTypeMismatch (leaving m
// untouched) when the variants differ.
func (m *Metric) Accumulate(in *Metric) error {
	if !sameVariant(m.Type, in.Type) {
		return ErrTypeMismatch
	}

	switch v := m.Type.(type) {
	case Counter:
		m.Value += in.Value / sampleRate(in)

	case *DiffCounter:
		delta := in.Value - v.Last
		if delta < 0 {
			// Counter wraparound or reset on the source.
			delta = 0
		}

		m.Value += delta / sampleRate(in)
		v.Last = in.Value

	case *Timer:
		it := in.Type.(*Timer)
		v.Samples = append(v.Samples, it.Samples...)
		m.Value = in.Value

	case *Gauge:
		ig := in.Type.(*Gauge)
		switch {
		case ig.Sign == nil:
			m.Value = in.Value
		case *ig.Sign > 0:
			m.Value += in.Value
		default:
			m.Value -= in.Value
		}

	case *Set:
		is := in.Type.(*Set)
		if v.Members == nil {
			v.Members = make(map[uint64]struct{}, len(is.Members))
		}

		for member := range is.Members {
			v.Members[member] = struct{}{}
		}

	case *Histogram:
		v.add(in.Type.(*Histogram))
	}

	m.absorbMeta(in)

	return nil
}

// Merge combines two same-name aggregates into a new one. Unlike
// Accumulate it is commutative for every variant whose reduction is
// order-free: the absolute gauge winner is the operand folded from
// more observations (higher update counter, ties resolved by later
// timestamp), not simply the right-hand side.
func Merge(a, b *Metric) (*Metric, error) {
	if !sameVariant(a.Type, b.Type) {
		return nil, ErrTypeMismatch
	}

	first, second := a, b
	if precedes(a, b) {
		first, second = b, a
	}

	out := first.Clone()

	switch v := out.Type.(type) {
	case Counter:
		out.Value = a.Value + b.Value

	case *DiffCounter:
		// Accumulated deltas sum; the last raw reading follows the
		// newer operand (out is already a clone of it).
		out.Value = a.Value + b.Value

	case *Timer:
		v.Samples = append(v.Samples, second.Type.(*Timer).Samples...)

	case *Gauge:
		// out already carries the newer operand's value. Signed
		// adjustments were applied when each side accumulated its raw
		// observations, so nothing further is folded here.

	case *Set:
		for member := range second.Type.(*Set).Members {
			if v.Members == nil {
				v.Members = make(map[uint64]struct{})
			}

			v.Members[member] = struct{}{}
		}

	case *Histogram:
		v.add(second.Type.(*Histogram))
	}

	out.Meta.UpdateCounter = a.Meta.UpdateCounter + b.Meta.UpdateCounter

	return out, nil
}

// precedes reports whether x is an older write than y: fewer folded
// observations, or an earlier timestamp on equal counters.
func precedes(x, y *Metric) bool {
	if x.Meta.UpdateCounter != y.Meta.UpdateCounter {
		return x.Meta.UpdateCounter < y.Meta.UpdateCounter
	}

	return tsOrZero(x) < tsOrZero(y)
}

func tsOrZero(m *Metric) uint64 {
	if m.Timestamp == nil {
		return 0
	}

	return *m.Timestamp
}

// absorbMeta advances the aggregate's bookkeeping after a successful
// accumulate: one more observation folded, timestamp moves forward.
func (m *Metric) absorbMeta(in *Metric) {
	n := in.Meta.UpdateCounter
	if n == 0 {
		n = 1
	}

	m.Meta.UpdateCounter += n

	if in.Timestamp != nil && (m.Timestamp == nil || *in.Timestamp > *m.Timestamp) {
		ts := *in.Timestamp
		m.Timestamp = &ts
	}
}

// ResetWindow clears windowed state after a flush while keeping the
// entry tracked so future deltas stay well-defined. Counter, timer,
// set and histogram contents reset to zero-state; a gauge keeps its
// current value and a diff counter keeps its last raw reading.
func (m *Metric) ResetWindow() {
	switch v := m.Type.(type) {
	case Counter:
		m.Value = 0
		m.Meta.UpdateCounter = 0
	case *DiffCounter:
		m.Value = 0
		m.Meta.UpdateCounter = 0
	case *Timer:
		v.Samples = v.Samples[:0]
		m.Value = 0
		m.Meta.UpdateCounter = 0
	case *Gauge:
		// Current value persists across windows.
		m.Meta.UpdateCounter = 0
	case *Set:
		clear(v.Members)
		m.Meta.UpdateCounter = 0
	case *Histogram:
		v.resetCounts()
		m.Meta.UpdateCounter = 0
	}
}
