package wire

import (
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/metricmesh/metricmesh/internal/metric"
)

// encMode is configured with Core Deterministic Encoding so the same
// logical envelope always produces identical bytes regardless of
// which node encoded it.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown map keys are ignored for
// forward compatibility, which is what lets decoders accept frames
// with trailing fields they do not know yet.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Metric record field keys. Absent optional keys take the documented
// default at decode time; only name and type are required.
type wireMetric struct {
	Name      string          `cbor:"0,keyasint,omitempty"`
	Value     float64         `cbor:"1,keyasint,omitempty"`
	Type      cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	Timestamp *uint64         `cbor:"3,keyasint,omitempty"`
	Meta      *wireMeta       `cbor:"4,keyasint,omitempty"`
}

type wireMeta struct {
	Sampling      *float32 `cbor:"0,keyasint,omitempty"`
	UpdateCounter uint32   `cbor:"1,keyasint,omitempty"`
}

// wireBucket encodes a histogram bucket as a two-element array.
type wireBucket struct {
	_        struct{} `cbor:",toarray"`
	Boundary float64
	Counter  uint64
}

// MetricType union tags.
const (
	typeCounter     = 0
	typeDiffCounter = 1
	typeTimer       = 2
	typeGauge       = 3
	typeSet         = 4
	typeHistogram   = 5

	gaugeUnsigned = 0
	gaugeSigned   = 1
)

// Encode serializes the envelope as a frame: one tag byte followed by
// the CBOR body. A single frame's body is one metric record; multi
// and snapshot bodies are arrays of records.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Tag > FrameSnapshot {
		return nil, decodef("unknown frame tag %d", e.Tag)
	}

	var (
		body []byte
		err  error
	)

	if e.Tag == FrameSingle {
		if len(e.Metrics) != 1 {
			return nil, decodef("single frame with %d metrics", len(e.Metrics))
		}

		var w *wireMetric

		w, err = encodeMetric(e.Metrics[0])
		if err != nil {
			return nil, err
		}

		body, err = encMode.Marshal(w)
	} else {
		ws := make([]*wireMetric, 0, len(e.Metrics))

		for _, m := range e.Metrics {
			w, werr := encodeMetric(m)
			if werr != nil {
				return nil, werr
			}

			ws = append(ws, w)
		}

		body, err = encMode.Marshal(ws)
	}

	if err != nil {
		return nil, decodef("marshaling %s body: %v", e.Tag, err)
	}

	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, byte(e.Tag))
	frame = append(frame, body...)

	return frame, nil
}

// Decode parses a frame produced by Encode. It fails on a truncated
// frame, an unknown frame or union tag, or a record with no name;
// absent optional fields take their defaults.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, decodef("empty frame")
	}

	tag := FrameTag(data[0])
	if tag > FrameSnapshot {
		return nil, decodef("unknown frame tag %d", data[0])
	}

	body := data[1:]

	if tag == FrameSingle {
		var w wireMetric
		if err := decMode.Unmarshal(body, &w); err != nil {
			return nil, decodef("unmarshaling single body: %v", err)
		}

		m, err := decodeMetric(&w)
		if err != nil {
			return nil, err
		}

		return &Envelope{Tag: tag, Metrics: []*metric.Metric{m}}, nil
	}

	var ws []wireMetric
	if err := decMode.Unmarshal(body, &ws); err != nil {
		return nil, decodef("unmarshaling %s body: %v", tag, err)
	}

	ms := make([]*metric.Metric, 0, len(ws))

	for i := range ws {
		m, err := decodeMetric(&ws[i])
		if err != nil {
			return nil, err
		}

		ms = append(ms, m)
	}

	return &Envelope{Tag: tag, Metrics: ms}, nil
}

func encodeMetric(m *metric.Metric) (*wireMetric, error) {
	typ, err := encodeValue(m.Type)
	if err != nil {
		return nil, err
	}

	w := &wireMetric{
		Name:      m.Name,
		Value:     m.Value,
		Type:      typ,
		Timestamp: m.Timestamp,
	}

	// Omit the meta field entirely when it holds nothing but the
	// defaults; decoders reconstruct it.
	if m.Meta.Sampling != metric.DefaultSampling || m.Meta.UpdateCounter != 0 {
		wm := &wireMeta{UpdateCounter: m.Meta.UpdateCounter}
		if m.Meta.Sampling != metric.DefaultSampling {
			s := m.Meta.Sampling
			wm.Sampling = &s
		}

		w.Meta = wm
	}

	return w, nil
}

func decodeMetric(w *wireMetric) (*metric.Metric, error) {
	if w.Name == "" {
		return nil, decodef("metric record missing name")
	}

	if w.Type == nil {
		return nil, decodef("metric %q missing type", w.Name)
	}

	typ, err := decodeValue(w.Name, w.Type)
	if err != nil {
		return nil, err
	}

	meta := metric.Meta{Sampling: metric.DefaultSampling}
	if w.Meta != nil {
		meta.UpdateCounter = w.Meta.UpdateCounter
		if w.Meta.Sampling != nil {
			meta.Sampling = *w.Meta.Sampling
		}
	}

	if meta.Sampling <= 0 || meta.Sampling > 1 {
		return nil, decodef("metric %q sampling %v outside (0, 1]", w.Name, meta.Sampling)
	}

	// Built directly rather than through metric.New: a decoded record
	// is not a fresh observation, so timer samples and set members
	// must not absorb the headline value a second time.
	return &metric.Metric{
		Name:      w.Name,
		Value:     w.Value,
		Type:      typ,
		Timestamp: w.Timestamp,
		Meta:      meta,
	}, nil
}

func encodeValue(v metric.Value) (cbor.RawMessage, error) {
	var parts []any

	switch t := v.(type) {
	case metric.Counter:
		parts = []any{typeCounter}
	case *metric.DiffCounter:
		parts = []any{typeDiffCounter, t.Last}
	case *metric.Timer:
		samples := t.Samples
		if samples == nil {
			samples = []float64{}
		}

		parts = []any{typeTimer, samples}
	case *metric.Gauge:
		if t.Sign == nil {
			parts = []any{typeGauge, []any{gaugeUnsigned}}
		} else {
			parts = []any{typeGauge, []any{gaugeSigned, *t.Sign}}
		}
	case *metric.Set:
		members := make([]uint64, 0, len(t.Members))
		for m := range t.Members {
			members = append(members, m)
		}

		// Deterministic encoding needs a stable member order.
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

		parts = []any{typeSet, members}
	case *metric.Histogram:
		buckets := make([]wireBucket, 0, len(t.Buckets))
		for _, b := range t.Buckets {
			buckets = append(buckets, wireBucket{Boundary: b.Boundary, Counter: b.Count})
		}

		parts = []any{typeHistogram, t.LeftCount, buckets}
	default:
		return nil, decodef("unknown metric kind %v", v.Kind())
	}

	raw, err := encMode.Marshal(parts)
	if err != nil {
		return nil, decodef("marshaling type union: %v", err)
	}

	return raw, nil
}

func decodeValue(name string, raw cbor.RawMessage) (metric.Value, error) {
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &parts); err != nil {
		return nil, decodef("metric %q type union: %v", name, err)
	}

	if len(parts) == 0 {
		return nil, decodef("metric %q empty type union", name)
	}

	var tag uint8
	if err := decMode.Unmarshal(parts[0], &tag); err != nil {
		return nil, decodef("metric %q type tag: %v", name, err)
	}

	switch tag {
	case typeCounter:
		return metric.Counter{}, nil

	case typeDiffCounter:
		d := &metric.DiffCounter{}
		if len(parts) > 1 {
			if err := decMode.Unmarshal(parts[1], &d.Last); err != nil {
				return nil, decodef("metric %q diff-counter payload: %v", name, err)
			}
		}

		return d, nil

	case typeTimer:
		t := &metric.Timer{}
		if len(parts) > 1 {
			if err := decMode.Unmarshal(parts[1], &t.Samples); err != nil {
				return nil, decodef("metric %q timer samples: %v", name, err)
			}
		}

		return t, nil

	case typeGauge:
		return decodeGauge(name, parts)

	case typeSet:
		var members []uint64
		if len(parts) > 1 {
			if err := decMode.Unmarshal(parts[1], &members); err != nil {
				return nil, decodef("metric %q set members: %v", name, err)
			}
		}

		s := &metric.Set{Members: make(map[uint64]struct{}, len(members))}
		for _, m := range members {
			s.Members[m] = struct{}{}
		}

		return s, nil

	case typeHistogram:
		return decodeHistogram(name, parts)

	default:
		return nil, decodef("metric %q unknown type tag %d", name, tag)
	}
}

func decodeGauge(name string, parts []cbor.RawMessage) (metric.Value, error) {
	// A bare gauge tag defaults to the absolute (unsigned) variant.
	if len(parts) < 2 {
		return &metric.Gauge{}, nil
	}

	var gparts []cbor.RawMessage
	if err := decMode.Unmarshal(parts[1], &gparts); err != nil {
		return nil, decodef("metric %q gauge union: %v", name, err)
	}

	if len(gparts) == 0 {
		return &metric.Gauge{}, nil
	}

	var gtag uint8
	if err := decMode.Unmarshal(gparts[0], &gtag); err != nil {
		return nil, decodef("metric %q gauge tag: %v", name, err)
	}

	switch gtag {
	case gaugeUnsigned:
		return &metric.Gauge{}, nil
	case gaugeSigned:
		var sign int8 = 1
		if len(gparts) > 1 {
			if err := decMode.Unmarshal(gparts[1], &sign); err != nil {
				return nil, decodef("metric %q gauge sign: %v", name, err)
			}
		}

		if sign != 1 && sign != -1 {
			return nil, decodef("metric %q gauge sign %d not +1/-1", name, sign)
		}

		return &metric.Gauge{Sign: &sign}, nil
	default:
		return nil, decodef("metric %q unknown gauge tag %d", name, gtag)
	}
}

func decodeHistogram(name string, parts []cbor.RawMessage) (metric.Value, error) {
	h := &metric.Histogram{}

	if len(parts) > 1 {
		if err := decMode.Unmarshal(parts[1], &h.LeftCount); err != nil {
			return nil, decodef("metric %q histogram left bucket: %v", name, err)
		}
	}

	if len(parts) > 2 {
		var buckets []wireBucket
		if err := decMode.Unmarshal(parts[2], &buckets); err != nil {
			return nil, decodef("metric %q histogram buckets: %v", name, err)
		}

		h.Buckets = make([]metric.HistogramBucket, 0, len(buckets))
		for _, b := range buckets {
			h.Buckets = append(h.Buckets, metric.HistogramBucket{
				Boundary: b.Boundary,
				Count:    b.Counter,
			})
		}
	}

	for i := 1; i < len(h.Buckets); i++ {
		if h.Buckets[i].Boundary <= h.Buckets[i-1].Boundary {
			return nil, decodef(
				"metric %q histogram boundaries not strictly increasing at index %d",
				name, i,
			)
		}
	}

	return h, nil
}
