package proxy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/fetchguard/fetchguard"
)

// RateLimitConfig is the per-client request budget applied to every
// endpoint that has no rule of its own in the rate_limits table.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// QUICConfig enables the MCP-over-QUIC listener when Listen is set. Without
// a certificate pair an ephemeral self-signed one is generated.
type QUICConfig struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config is the service configuration.
type Config struct {
	Listen            string            `yaml:"listen"`
	DBPath            string            `yaml:"db_path"`
	LogLevel          string            `yaml:"log_level"`
	APIKeyHashes      []string          `yaml:"api_key_hashes"` // bcrypt; guards the admin routes
	TrustProxyHeaders bool              `yaml:"trust_proxy_headers"`
	RateLimit         RateLimitConfig   `yaml:"rate_limit"`
	LogRetentionDays  int               `yaml:"log_retention_days"`
	MCPQUIC           QUICConfig        `yaml:"mcp_quic"`
	Fetch             fetchguard.Config `yaml:"fetch"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:           ":8090",
		DBPath:           "fetchguard.db",
		LogLevel:         "info",
		RateLimit:        RateLimitConfig{MaxRequests: 60, WindowSeconds: 60},
		LogRetentionDays: 7,
		Fetch:            fetchguard.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file on top of the defaults. Unknown keys are
// errors so a typo cannot silently loosen the policy.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("MCP_QUIC_ADDR"); v != "" {
		c.MCPQUIC.Listen = v
	}
	if v := getenv("TLS_CERT"); v != "" {
		c.MCPQUIC.CertFile = v
	}
	if v := getenv("TLS_KEY"); v != "" {
		c.MCPQUIC.KeyFile = v
	}
	if v := getenv("FETCH_DNS_SERVER"); v != "" {
		c.Fetch.DNSServer = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FETCH_MAX_REDIRECTS", &c.Fetch.MaxRedirects},
		{"FETCH_TIMEOUT_MS", &c.Fetch.RequestTimeoutMs},
		{"FETCH_MAX_CONCURRENT", &c.Fetch.MaxConcurrentFetches},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	if v := getenv("FETCH_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FETCH_MAX_BODY_BYTES: %w", err)
		}
		c.Fetch.MaxBodyBytes = n
	}
	return c.Validate()
}

// Validate checks the service fields and the fetch policy.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.RateLimit.MaxRequests < 0 || c.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if (c.MCPQUIC.CertFile == "") != (c.MCPQUIC.KeyFile == "") {
		return fmt.Errorf("mcp_quic: cert_file and key_file must be set together")
	}
	if c.LogRetentionDays < 0 {
		return fmt.Errorf("log_retention_days must be >= 0")
	}
	return c.Fetch.Validate()
}
