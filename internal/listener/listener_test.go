package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricmesh/metricmesh/internal/metric"
	"github.com/metricmesh/metricmesh/internal/wire"
)

type captureHandler struct {
	envelopes chan *wire.Envelope
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{envelopes: make(chan *wire.Envelope, 16)}
}

func (h *captureHandler) Route(_ context.Context, env *wire.Envelope) error {
	h.envelopes <- env

	return nil
}

func (h *captureHandler) wait(t *testing.T) *wire.Envelope {
	t.Helper()

	select {
	case env := <-h.envelopes:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")

		return nil
	}
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func encodeSingle(t *testing.T, name string, value float64) []byte {
	t.Helper()

	m, err := metric.New(name, value, metric.Counter{}, nil, 0)
	require.NoError(t, err)

	frame, err := wire.Single(m).Encode()
	require.NoError(t, err)

	return frame
}

func startListener(t *testing.T, cfg Config, h Handler) *Listener {
	t.Helper()

	l, err := New(testLog(), cfg, h, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, l.Stop())
	})

	return l
}

func TestListener_UDPDeliversFrame(t *testing.T) {
	h := newCaptureHandler()
	l := startListener(t, Config{UDPAddr: "127.0.0.1:0"}, h)

	conn, err := net.Dial("udp", l.UDPAddr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write(encodeSingle(t, "requests", 3))
	require.NoError(t, err)

	env := h.wait(t)
	require.Equal(t, wire.FrameSingle, env.Tag)
	require.Len(t, env.Metrics, 1)
	assert.Equal(t, "requests", env.Metrics[0].Name)
	assert.Equal(t, 3.0, env.Metrics[0].Value)
}

func TestListener_UDPDropsMalformedDatagram(t *testing.T) {
	h := newCaptureHandler()
	l := startListener(t, Config{UDPAddr: "127.0.0.1:0"}, h)

	conn, err := net.Dial("udp", l.UDPAddr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte{0xff, 0x01, 0x02})
	require.NoError(t, err)

	// The bad datagram is dropped; a good one still flows after it.
	_, err = conn.Write(encodeSingle(t, "after", 1))
	require.NoError(t, err)

	env := h.wait(t)
	assert.Equal(t, "after", env.Metrics[0].Name)
}

func TestListener_TCPDeliversFrames(t *testing.T) {
	h := newCaptureHandler()
	l := startListener(t, Config{TCPAddr: "127.0.0.1:0"}, h)

	conn, err := net.Dial("tcp", l.TCPAddr())
	require.NoError(t, err)

	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, encodeSingle(t, "a", 1)))
	require.NoError(t, wire.WriteFrame(conn, encodeSingle(t, "b", 2)))

	first := h.wait(t)
	second := h.wait(t)

	assert.Equal(t, "a", first.Metrics[0].Name)
	assert.Equal(t, "b", second.Metrics[0].Name)
}

func TestListener_TCPCompressedFrames(t *testing.T) {
	h := newCaptureHandler()
	l := startListener(t, Config{
		TCPAddr:     "127.0.0.1:0",
		Compression: wire.CompressionSnappy,
	}, h)

	c, err := wire.NewCompressor(wire.CompressionSnappy)
	require.NoError(t, err)

	defer c.Close()

	payload, err := c.Compress(encodeSingle(t, "compressed", 7))
	require.NoError(t, err)

	conn, err := net.Dial("tcp", l.TCPAddr())
	require.NoError(t, err)

	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, payload))

	env := h.wait(t)
	assert.Equal(t, "compressed", env.Metrics[0].Name)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{UDPAddr: ":8125", Compression: "bogus"}
	assert.Error(t, cfg.Validate())

	cfg = Config{UDPAddr: ":8125"}
	assert.NoError(t, cfg.Validate())
}
