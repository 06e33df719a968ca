package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBrokerConfigAppliesOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9000\"\ncache_byte_limit: 1024\n"), 0600))

	cfg, err := LoadBrokerConfig(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, int64(1024), cfg.CacheByteLimit)
	require.Equal(t, DefaultBrokerConfig().MetricsAddr, cfg.MetricsAddr)
}

func TestLoadBrokerConfigWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadBrokerConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultBrokerConfig(), cfg)
}

func TestLoadWorkerConfigAppliesOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_addr: \"10.0.0.1:7420\"\nslots: 8\n"), 0600))

	cfg, err := LoadWorkerConfig(path)
	require.NoError(t, err)

	require.Equal(t, "10.0.0.1:7420", cfg.BrokerAddr)
	require.Equal(t, 8, cfg.Slots)
	require.Equal(t, DefaultWorkerConfig().InlineLimit, cfg.InlineLimit)
}

func TestLoadBrokerConfigMissingFileErrors(t *testing.T) {
	_, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
