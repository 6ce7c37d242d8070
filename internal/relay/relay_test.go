package relay

import (
	"bufio"
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

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

// fakePeer accepts connections and decodes every frame it receives.
type fakePeer struct {
	ln        net.Listener
	envelopes chan *wire.Envelope
}

func newFakePeer(t *testing.T, compression string) *fakePeer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePeer{
		ln:        ln,
		envelopes: make(chan *wire.Envelope, 16),
	}

	compressor, err := wire.NewCompressor(compression)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()

				r := bufio.NewReader(conn)

				for {
					frame, err := wire.ReadFrame(r)
					if err != nil {
						return
					}

					frame, err = compressor.Decompress(frame)
					if err != nil {
						return
					}

					env, err := wire.Decode(frame)
					if err != nil {
						return
					}

					p.envelopes <- env
				}
			}()
		}
	}()

	t.Cleanup(func() { ln.Close() })

	return p
}

func (p *fakePeer) addr() string {
	return p.ln.Addr().String()
}

func (p *fakePeer) wait(t *testing.T) *wire.Envelope {
	t.Helper()

	select {
	case env := <-p.envelopes:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed envelope")

		return nil
	}
}

func mustMetric(t *testing.T, name string) *metric.Metric {
	t.Helper()

	m, err := metric.New(name, 1, metric.Counter{}, nil, 0)
	require.NoError(t, err)

	return m
}

func TestPeerExporter_SendsMultiFrame(t *testing.T) {
	peer := newFakePeer(t, wire.CompressionNone)

	cfg := Config{Peers: []string{peer.addr()}}
	cfg.ApplyDefaults()

	exp, err := newPeerExporter(testLog(), cfg, nil)
	require.NoError(t, err)

	defer exp.Shutdown(context.Background())

	items := []*metric.Metric{
		mustMetric(t, "a"),
		mustMetric(t, "b"),
	}

	require.NoError(t, exp.ExportItems(context.Background(), items))

	env := peer.wait(t)
	require.Equal(t, wire.FrameMulti, env.Tag)
	require.Len(t, env.Metrics, 2)
	assert.Equal(t, "a", env.Metrics[0].Name)
	assert.Equal(t, "b", env.Metrics[1].Name)
}

func TestPeerExporter_CompressedLink(t *testing.T) {
	peer := newFakePeer(t, wire.CompressionZstd)

	cfg := Config{
		Peers:       []string{peer.addr()},
		Compression: wire.CompressionZstd,
	}
	cfg.ApplyDefaults()

	exp, err := newPeerExporter(testLog(), cfg, nil)
	require.NoError(t, err)

	defer exp.Shutdown(context.Background())

	require.NoError(t, exp.ExportItems(context.Background(), []*metric.Metric{
		mustMetric(t, "compressed"),
	}))

	env := peer.wait(t)
	assert.Equal(t, "compressed", env.Metrics[0].Name)
}

func TestPeerExporter_FailsOverToNextPeer(t *testing.T) {
	peer := newFakePeer(t, wire.CompressionNone)

	// Reserve a port with nothing listening behind it.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	deadAddr := dead.Addr().String()
	dead.Close()

	cfg := Config{
		Peers:       []string{deadAddr, peer.addr()},
		Retries:     1,
		DialTimeout: 500 * time.Millisecond,
	}
	cfg.ApplyDefaults()

	exp, err := newPeerExporter(testLog(), cfg, nil)
	require.NoError(t, err)

	defer exp.Shutdown(context.Background())

	// With two attempts across two peers, every batch lands somewhere
	// regardless of which peer the rotation starts on.
	require.NoError(t, exp.ExportItems(context.Background(), []*metric.Metric{
		mustMetric(t, "a"),
	}))
	require.NoError(t, exp.ExportItems(context.Background(), []*metric.Metric{
		mustMetric(t, "b"),
	}))

	first := peer.wait(t)
	second := peer.wait(t)

	names := []string{first.Metrics[0].Name, second.Metrics[0].Name}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestPeerExporter_AllPeersDownReturnsError(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	deadAddr := dead.Addr().String()
	dead.Close()

	cfg := Config{
		Peers:       []string{deadAddr},
		DialTimeout: 500 * time.Millisecond,
	}
	cfg.ApplyDefaults()

	exp, err := newPeerExporter(testLog(), cfg, nil)
	require.NoError(t, err)

	defer exp.Shutdown(context.Background())

	err = exp.ExportItems(context.Background(), []*metric.Metric{
		mustMetric(t, "a"),
	})
	assert.Error(t, err)
}

func TestNew_RequiresPeers(t *testing.T) {
	_, err := New(testLog(), Config{}, nil)
	assert.Error(t, err)

	_, err = New(testLog(), Config{Peers: []string{}}, nil)
	assert.Error(t, err)
}

func TestPeerExporter_EmptyBatchIsNoop(t *testing.T) {
	cfg := Config{Peers: []string{"10.0.0.2:8126"}}
	cfg.ApplyDefaults()

	exp, err := newPeerExporter(testLog(), cfg, nil)
	require.NoError(t, err)

	defer exp.Shutdown(context.Background())

	assert.NoError(t, exp.ExportItems(context.Background(), nil))
}
