package metric

import (
	"errors"
	"fmt"
)

// ErrTypeMismatch is returned when two metrics of different variants
// (or histograms with differing boundaries) are merged. The stored
// aggregate is left untouched in that case.
var ErrTypeMismatch = errors.New("merging metrics of different types")

// ValidationError reports a metric that failed construction-time
// checks and therefore never entered an aggregate store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid metric: " + e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Kind identifies a metric value variant.
type Kind uint8

const (
	KindCounter Kind = iota
	KindDiffCounter
	KindTimer
	KindGauge
	KindSet
	KindHistogram
)

// String returns the kind name used in logs, config and backend rows.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindDiffCounter:
		return "diff-counter"
	case KindTimer:
		return "timer"
	case KindGauge:
		return "gauge"
	case KindSet:
		return "set"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Value is the closed union of metric value variants. Every merge,
// encode and decode site handles all six kinds exhaustively; an
// unknown kind is always an error, never silently skipped.
type Value interface {
	Kind() Kind
	// Clone returns a deep copy sharing no mutable state.
	Clone() Value
}

// Counter is a cumulative non-negative total. Merge is addition.
type Counter struct{}

func (Counter) Kind() Kind   { return KindCounter }
func (Counter) Clone() Value { return Counter{} }

// DiffCounter is a counter reported as an absolute raw reading. Last
// holds the previous raw reading; each new observation contributes
// the delta against it, clamped to zero on counter wraparound or
// reset, and then advances Last.
type DiffCounter struct {
	Last float64
}

func (*DiffCounter) Kind() Kind { return KindDiffCounter }

func (d *DiffCounter) Clone() Value {
	c := *d
	return &c
}

// Timer holds the raw samples observed during the current window.
// Merge is concatenation; statistics treat the samples as a multiset.
type Timer struct {
	Samples []float64
}

func (*Timer) Kind() Kind { return KindTimer }

func (t *Timer) Clone() Value {
	c := &Timer{}
	if len(t.Samples) > 0 {
		c.Samples = append(make([]float64, 0, len(t.Samples)), t.Samples...)
	}

	return c
}

// Gauge is a current-state value. Sign is nil for an absolute gauge
// whose observations replace the value; a signed gauge carries +1 or
// -1 and applies its value as a relative adjustment.
type Gauge struct {
	Sign *int8
}

func (*Gauge) Kind() Kind { return KindGauge }

func (g *Gauge) Clone() Value {
	c := &Gauge{}
	if g.Sign != nil {
		s := *g.Sign
		c.Sign = &s
	}

	return c
}

// Signed returns true for a relative-adjustment gauge.
func (g *Gauge) Signed() bool { return g.Sign != nil }

// Set tracks unique uint64 hashes for cardinality estimation. Merge
// is union; multiplicity is not preserved.
type Set struct {
	Members map[uint64]struct{}
}

func (*Set) Kind() Kind { return KindSet }

func (s *Set) Clone() Value {
	c := &Set{Members: make(map[uint64]struct{}, len(s.Members))}
	for m := range s.Members {
		c.Members[m] = struct{}{}
	}

	return c
}

// Cardinality returns the number of unique members.
func (s *Set) Cardinality() uint64 { return uint64(len(s.Members)) }

// sameVariant reports whether two values carry the same variant and,
// for histograms, the same boundary sequence. Merging across
// variants is never allowed.
func sameVariant(a, b Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}

	if a.Kind() == KindHistogram {
		return a.(*Histogram).sameBoundaries(b.(*Histogram))
	}

	return true
}
