// Package wire implements the message envelope protocol: the frame
// union {single, multi, snapshot} and its codec. Frames are one tag
// byte followed by a CBOR body with integer-keyed fields, so every
// optional field is individually omissible and decoders substitute
// documented defaults.
package wire

import (
	"fmt"

	"github.com/metricmesh/metricmesh/internal/metric"
)

// FrameTag identifies the envelope variant on the wire.
type FrameTag uint8

const (
	// FrameSingle carries one raw observation from an agent.
	FrameSingle FrameTag = 0
	// FrameMulti carries a batch of raw observations.
	FrameMulti FrameTag = 1
	// FrameSnapshot carries a node's windowed aggregate. Snapshots
	// terminate at the storage backend and are never relayed.
	FrameSnapshot FrameTag = 2
)

// String returns the tag name used in logs and metrics labels.
func (t FrameTag) String() string {
	switch t {
	case FrameSingle:
		return "single"
	case FrameMulti:
		return "multi"
	case FrameSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Envelope is a decoded wire frame. Envelopes are immutable values:
// once created by an agent or a flush they are consumed exactly once
// and never modified.
type Envelope struct {
	Tag     FrameTag
	Metrics []*metric.Metric
}

// Single wraps one observation.
func Single(m *metric.Metric) *Envelope {
	return &Envelope{Tag: FrameSingle, Metrics: []*metric.Metric{m}}
}

// Multi wraps a batch of observations.
func Multi(ms []*metric.Metric) *Envelope {
	return &Envelope{Tag: FrameMulti, Metrics: ms}
}

// Snapshot wraps a windowed aggregate destined for the backend only.
func Snapshot(ms []*metric.Metric) *Envelope {
	return &Envelope{Tag: FrameSnapshot, Metrics: ms}
}

// DecodeError reports a malformed or truncated frame, an unknown
// union tag, or a missing required field. The frame is dropped and
// never retried.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Reason
}

func decodef(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}
