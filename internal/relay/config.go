package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/metricmesh/metricmesh/internal/wire"
)

// Config configures the peer relay.
type Config struct {
	// Peers are the TCP addresses of the other nodes in the mesh.
	// An empty list disables relaying.
	Peers []string `yaml:"peers"`

	// Compression specifies the peer-link compression algorithm.
	// Valid values: none, gzip, zstd, zlib, snappy.
	// Defaults to none. Both ends of a link must agree.
	Compression string `yaml:"compression"`

	// DialTimeout bounds connecting to a peer. Defaults to 2s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds writing one batch to a peer. Defaults to 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retries is the number of additional peers tried after a failed
	// send. Defaults to 2.
	Retries int `yaml:"retries"`

	// BatchSize is the maximum number of observations per relay frame.
	// Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is the maximum time a partial batch waits before
	// being sent. Defaults to 1s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds one full send attempt including retries.
	// Defaults to 10s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize is the maximum number of observations queued for
	// relay. Observations are dropped when the queue is full.
	// Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent send workers. Defaults to 1.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Compression:   wire.CompressionNone,
		DialTimeout:   2 * time.Second,
		WriteTimeout:  5 * time.Second,
		Retries:       2,
		BatchSize:     512,
		BatchTimeout:  time.Second,
		ExportTimeout: 10 * time.Second,
		MaxQueueSize:  51200,
		Workers:       1,
	}
}

// Enabled reports whether any peers are configured.
func (c *Config) Enabled() bool {
	return len(c.Peers) > 0
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	for _, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid peer address %q: %w", peer, err)
		}
	}

	if !wire.ValidCompression(c.Compression) {
		return errors.New("invalid compression type: " + c.Compression)
	}

	if c.BatchSize <= 0 {
		return errors.New("batch_size must be greater than 0")
	}

	if c.MaxQueueSize <= 0 {
		return errors.New("max_queue_size must be greater than 0")
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("batch_size cannot be greater than max_queue_size")
	}

	if c.Workers <= 0 {
		return errors.New("workers must be greater than 0")
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}

	if c.Retries < 0 {
		c.Retries = 0
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaults.ExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
}
