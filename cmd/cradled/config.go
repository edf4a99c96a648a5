package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the cradled configuration file format. Flags override
// anything set here.
type DaemonConfig struct {
	Node      string        `yaml:"node"`       // daemon name, defaults to hostname
	Port      string        `yaml:"port"`
	Threshold time.Duration `yaml:"threshold"`

	Store struct {
		Type string `yaml:"type"` // memory, sqlite, postgres
		DSN  string `yaml:"dsn"`
	} `yaml:"store"`

	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		CAFile   string `yaml:"ca_file"`
		MTLS     bool   `yaml:"mtls"`
	} `yaml:"tls"`

	Auth struct {
		APIKey       string `yaml:"api_key"`
		SourceTokens bool   `yaml:"source_tokens"`
	} `yaml:"auth"`

	Cluster struct {
		Key           string            `yaml:"key"`   // shared HMAC key for peer signals
		Peers         map[string]string `yaml:"peers"` // static peer name -> base URL
		EtcdEndpoints []string          `yaml:"etcd_endpoints"`
		AdvertiseAddr string            `yaml:"advertise_addr"`
		LeaseTTL      int64             `yaml:"lease_ttl_seconds"`
		GossipEvery   time.Duration     `yaml:"gossip_interval"`
	} `yaml:"cluster"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Environment  string `yaml:"environment"`
	} `yaml:"tracing"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// defaultConfig returns the built-in defaults
func defaultConfig() DaemonConfig {
	var cfg DaemonConfig
	cfg.Port = "9120"
	cfg.Threshold = 60 * time.Second
	cfg.Store.Type = "memory"
	cfg.Cluster.LeaseTTL = 15
	cfg.Cluster.GossipEvery = 10 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = "9121"
	cfg.RateLimit.RPS = 50
	cfg.RateLimit.Burst = 100
	cfg.Log.Level = "INFO"
	return cfg
}

// loadConfig reads a YAML config file over the defaults
func loadConfig(path string) (DaemonConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
