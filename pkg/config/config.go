// Package config loads the broker and worker's YAML configuration
// files. Every field also has a cobra/pflag equivalent registered by the
// owning cmd/ package; the binaries apply flag overrides on top of
// whatever a config file loaded by checking cmd.Flags().Changed before
// assigning, so an unset flag never clobbers a config file's value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BrokerConfig governs a forge-broker process. It never touches
// scheduler semantics, which stay in-memory and config-free.
type BrokerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	HealthAddr     string `yaml:"health_addr"`
	DataDir        string `yaml:"data_dir"`
	CacheByteLimit int64  `yaml:"cache_byte_limit"`
	CertDir        string   `yaml:"cert_dir"`
	TLSEnabled     bool     `yaml:"tls_enabled"`
	TLSDNSNames    []string `yaml:"tls_dns_names"`
	TLSIPs         []string `yaml:"tls_ips"`
	LogLevel       string   `yaml:"log_level"`
	LogJSON        bool     `yaml:"log_json"`
}

// DefaultBrokerConfig returns the settings a forge-broker runs with when
// neither a config file nor a flag names a value.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenAddr:     ":7420",
		MetricsAddr:    ":9420",
		HealthAddr:     ":9421",
		DataDir:        "/var/lib/forgerun/broker",
		CacheByteLimit: 10 << 30, // 10 GiB
		CertDir:        "/var/lib/forgerun/certs/broker",
		TLSEnabled:     true,
		LogLevel:       "info",
	}
}

// LoadBrokerConfig reads and parses a broker config file, starting from
// DefaultBrokerConfig so a file only needs to name what it overrides.
func LoadBrokerConfig(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading broker config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing broker config %s: %w", path, err)
	}
	return cfg, nil
}

// WorkerConfig governs a forge-worker process.
type WorkerConfig struct {
	BrokerAddr  string `yaml:"broker_addr"`
	Slots       int    `yaml:"slots"`
	DataDir     string `yaml:"data_dir"`
	InlineLimit int64  `yaml:"inline_limit"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	CertDir     string `yaml:"cert_dir"`
	TLSEnabled  bool   `yaml:"tls_enabled"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// DefaultWorkerConfig returns the settings a forge-worker runs with when
// neither a config file nor a flag names a value.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BrokerAddr:  "127.0.0.1:7420",
		Slots:       4,
		DataDir:     "/var/lib/forgerun/worker",
		InlineLimit: 64 << 10, // 64 KiB
		MetricsAddr: ":9422",
		HealthAddr:  ":9423",
		CertDir:     "/var/lib/forgerun/certs/worker",
		TLSEnabled:  true,
		LogLevel:    "info",
	}
}

// LoadWorkerConfig reads and parses a worker config file, starting from
// DefaultWorkerConfig so a file only needs to name what it overrides.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading worker config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing worker config %s: %w", path, err)
	}
	return cfg, nil
}
