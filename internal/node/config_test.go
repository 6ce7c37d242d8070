package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "node_name: test-node\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, ":8125", cfg.Listener.UDPAddr)
	assert.Equal(t, ":8126", cfg.Listener.TCPAddr)
	assert.Equal(t, ":9090", cfg.Health.Addr)
	assert.Equal(t, "test-node", cfg.NodeName)
	assert.False(t, cfg.BackendEnabled())
	assert.False(t, cfg.Relay.Enabled())
}

func TestLoadConfig_FullNode(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
flush_interval: 30s
listener:
  udp_addr: ":9125"
  tcp_addr: ":9126"
  compression: snappy
relay:
  peers:
    - "10.0.0.2:8126"
    - "10.0.0.3:8126"
  compression: snappy
clickhouse:
  endpoint: "localhost:9000"
  database: metricmesh
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Len(t, cfg.Relay.Peers, 2)
	assert.True(t, cfg.Relay.Enabled())
	assert.True(t, cfg.BackendEnabled())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "log_level: [broken\n")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_ValidateFlushInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = 0

	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateBadPeer(t *testing.T) {
	path := writeConfig(t, `
relay:
  peers:
    - "not-an-address"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_ValidateBackendNeedsDatabase(t *testing.T) {
	path := writeConfig(t, `
clickhouse:
  endpoint: "localhost:9000"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_ResolveNodeName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeName = "explicit"
	assert.Equal(t, "explicit", cfg.ResolveNodeName())

	cfg.NodeName = ""
	assert.NotEmpty(t, cfg.ResolveNodeName())
}
