// Package listener accepts wire frames from agents and peers. UDP
// carries one bare frame per datagram; TCP carries a stream of
// length-prefixed frames. Malformed input is counted and dropped, it
// never takes the node down.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/metricmesh/metricmesh/internal/export"
	"github.com/metricmesh/metricmesh/internal/wire"
)

// Config configures the frame listeners. Either address may be empty
// to disable that transport.
type Config struct {
	// UDPAddr is the datagram listen address, e.g. ":8125".
	UDPAddr string `yaml:"udp_addr"`

	// TCPAddr is the stream listen address, e.g. ":8126". Peers relay
	// to this address.
	TCPAddr string `yaml:"tcp_addr"`

	// Compression is the algorithm peers compress frames with.
	// Defaults to none.
	Compression string `yaml:"compression"`

	// ReadBufferSize bounds a UDP datagram. Defaults to 65535.
	ReadBufferSize int `yaml:"read_buffer_size"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 65535
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.UDPAddr == "" && c.TCPAddr == "" {
		return errors.New("at least one of udp_addr and tcp_addr is required")
	}

	if !wire.ValidCompression(c.Compression) {
		return errors.New("invalid compression type: " + c.Compression)
	}

	return nil
}

// Handler consumes one decoded envelope.
type Handler interface {
	Route(ctx context.Context, env *wire.Envelope) error
}

// Listener runs the UDP and TCP frame receivers.
type Listener struct {
	log        logrus.FieldLogger
	cfg        Config
	handler    Handler
	health     *export.HealthMetrics
	compressor *wire.Compressor

	udpConn net.PacketConn
	tcpLn   net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a listener that feeds decoded envelopes to handler.
func New(
	log logrus.FieldLogger,
	cfg Config,
	handler Handler,
	health *export.HealthMetrics,
) (*Listener, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := wire.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Listener{
		log:        log.WithField("component", "listener"),
		cfg:        cfg,
		handler:    handler,
		health:     health,
		compressor: compressor,
	}, nil
}

// Start binds the configured transports and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	if l.cfg.UDPAddr != "" {
		conn, err := net.ListenPacket("udp", l.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("listening on udp %s: %w", l.cfg.UDPAddr, err)
		}

		l.udpConn = conn

		l.wg.Add(1)

		go l.serveUDP(ctx, conn)

		l.log.WithField("addr", conn.LocalAddr().String()).
			Info("UDP listener started")
	}

	if l.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", l.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listening on tcp %s: %w", l.cfg.TCPAddr, err)
		}

		l.tcpLn = ln

		l.wg.Add(1)

		go l.serveTCP(ctx, ln)

		l.log.WithField("addr", ln.Addr().String()).
			Info("TCP listener started")
	}

	return nil
}

// UDPAddr returns the bound UDP address, or "" when disabled.
func (l *Listener) UDPAddr() string {
	if l.udpConn == nil {
		return ""
	}

	return l.udpConn.LocalAddr().String()
}

// TCPAddr returns the bound TCP address, or "" when disabled.
func (l *Listener) TCPAddr() string {
	if l.tcpLn == nil {
		return ""
	}

	return l.tcpLn.Addr().String()
}

// Stop closes the transports and waits for in-flight frames.
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}

	if l.udpConn != nil {
		l.udpConn.Close()
	}

	if l.tcpLn != nil {
		l.tcpLn.Close()
	}

	l.wg.Wait()

	return l.compressor.Close()
}

func (l *Listener) serveUDP(ctx context.Context, conn net.PacketConn) {
	defer l.wg.Done()

	buf := make([]byte, l.cfg.ReadBufferSize)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			l.log.WithError(err).Debug("UDP read error")

			if errors.Is(err, net.ErrClosed) {
				return
			}

			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		l.handleFrame(ctx, "udp", frame)
	}
}

func (l *Listener) serveTCP(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			l.log.WithError(err).Debug("TCP accept error")

			continue
		}

		l.wg.Add(1)

		go l.serveConn(ctx, conn)
	}
}

// serveConn reads length-prefixed frames until the peer closes the
// stream. A framing error closes the connection since byte position
// within the stream can no longer be trusted.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				l.countDropped("tcp", "framing")
				l.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
					Debug("Closing connection on framing error")
			}

			return
		}

		l.handleFrame(ctx, "tcp", frame)
	}
}

func (l *Listener) handleFrame(ctx context.Context, transport string, frame []byte) {
	frame, err := l.compressor.Decompress(frame)
	if err != nil {
		l.countDropped(transport, "decompress")
		l.log.WithError(err).Debug("Dropped undecompressable frame")

		return
	}

	env, err := wire.Decode(frame)
	if err != nil {
		l.countDropped(transport, "decode")
		l.log.WithError(err).Debug("Dropped undecodable frame")

		return
	}

	if l.health != nil {
		l.health.FramesReceived.WithLabelValues(transport, env.Tag.String()).Inc()
	}

	if err := l.handler.Route(ctx, env); err != nil {
		l.countDropped(transport, "route")
		l.log.WithError(err).WithField("frame", env.Tag.String()).
			Warn("Failed to route frame")
	}
}

func (l *Listener) countDropped(transport, reason string) {
	if l.health != nil {
		l.health.FramesDropped.WithLabelValues(transport, reason).Inc()
	}
}
