package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadServerConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadServerConfig(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultServerConfig(), cfg)
	assert.Equal(t, "0.0.0.0:11211", cfg.Address())
}

func TestLoadServerConfigFlagsOverrideEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MEMLRU_PORT", "12000")
	t.Setenv("MEMLRU_CAPACITY_BYTES", "4096")
	t.Setenv("MEMLRU_LOG_LEVEL", "debug")

	cfg, err := LoadServerConfig([]string{"-port", "13000", "-workers", "8"})
	require.NoError(t, err)

	assert.Equal(t, 13000, cfg.Port)
	assert.Equal(t, 4096, cfg.CapacityBytes)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigMalformedEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MEMLRU_WORKERS", "many")

	_, err := LoadServerConfig(nil)
	assert.ErrorContains(t, err, "MEMLRU_WORKERS")
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ServerConfig)
		errMsg string
	}{
		{"port", func(c *ServerConfig) { c.Port = 0 }, "invalid port"},
		{"capacity", func(c *ServerConfig) { c.CapacityBytes = 0 }, "capacity"},
		{"workers", func(c *ServerConfig) { c.Workers = -1 }, "workers"},
		{"key", func(c *ServerConfig) { c.MaxKeyLength = 70000 }, "max key length"},
		{"body", func(c *ServerConfig) { c.MaxBodyLength = 100 }, "max body length"},
		{"read timeout", func(c *ServerConfig) { c.ReadTimeout = -1 }, "read timeout"},
		{"write timeout", func(c *ServerConfig) { c.WriteTimeout = -1 }, "write timeout"},
		{"log level", func(c *ServerConfig) { c.LogLevel = "trace" }, "log level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.errMsg)
		})
	}
}

func TestLoadClientConfigFromEnv(t *testing.T) {
	t.Setenv("MEMLRU_NODES", "a:1, b:2")
	t.Setenv("MEMLRU_RETRY_ATTEMPTS", "0")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Nodes)
	assert.Equal(t, 0, cfg.RetryAttempts)
	assert.Equal(t, DefaultVirtualNodes, cfg.VirtualNodes)
}

func TestClientConfigValidate(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Nodes = []string{"no-port"}
	assert.ErrorContains(t, cfg.Validate(), "invalid node address")

	cfg = DefaultClientConfig()
	cfg.Nodes = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultClientConfig()
	cfg.ConnTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "connection timeout")
}
