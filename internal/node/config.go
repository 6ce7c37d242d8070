package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metricmesh/metricmesh/internal/engine"
	"github.com/metricmesh/metricmesh/internal/export"
	"github.com/metricmesh/metricmesh/internal/listener"
	"github.com/metricmesh/metricmesh/internal/relay"
)

// Config is the top-level configuration for a metricmesh node.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// NodeName identifies this node in snapshot rows.
	// Defaults to the hostname.
	NodeName string `yaml:"node_name"`

	// FlushInterval is the aggregation window length: how often the
	// engine is drained into a snapshot. Defaults to 10s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Listener configures the UDP and TCP frame receivers.
	Listener listener.Config `yaml:"listener"`

	// Relay configures forwarding of raw observations to peers.
	Relay relay.Config `yaml:"relay"`

	// Engine configures the aggregate store.
	Engine engine.Config `yaml:"engine"`

	// ClickHouse configures the snapshot storage backend. An empty
	// endpoint disables it; flushed snapshots are then dropped.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		FlushInterval: 10 * time.Second,
		Listener: listener.Config{
			UDPAddr: ":8125",
			TCPAddr: ":8126",
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Listener.ApplyDefaults()
	cfg.Relay.ApplyDefaults()
	cfg.Engine.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}

	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	if c.ClickHouse.Endpoint != "" && c.ClickHouse.Database == "" {
		return fmt.Errorf("clickhouse.database is required when an endpoint is set")
	}

	return nil
}

// BackendEnabled reports whether a storage backend is configured.
func (c *Config) BackendEnabled() bool {
	return c.ClickHouse.Endpoint != ""
}

// ResolveNodeName returns the configured node name or the hostname.
func (c *Config) ResolveNodeName() string {
	if c.NodeName != "" {
		return c.NodeName
	}

	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return host
}
