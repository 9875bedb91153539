package fetchguard

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/hazyhaar/fetchguard/horosafe"
)

// Config holds the fetch policy. It is built once at startup, validated, and
// passed explicitly to NewFetcher; nothing mutates it afterwards.
type Config struct {
	AllowedSchemes       []string `yaml:"allowed_schemes"`
	MaxRedirects         int      `yaml:"max_redirects"`
	RequestTimeoutMs     int      `yaml:"request_timeout_ms"`
	MaxBodyBytes         int64    `yaml:"max_body_bytes"`
	MaxConcurrentFetches int      `yaml:"max_concurrent_fetches"`
	DeniedPorts          []int    `yaml:"denied_ports"`
	AllowedPorts         []int    `yaml:"allowed_ports"`
	DeniedHosts          []string `yaml:"denied_hosts"`
	AllowNetworks        []string `yaml:"allow_networks"` // CIDRs exempt from the built-in ranges
	DenyNetworks         []string `yaml:"deny_networks"`  // extra forbidden CIDRs
	UserAgent            string   `yaml:"user_agent"`
	DNSServer            string   `yaml:"dns_server"` // host:port; empty uses the system resolver
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AllowedSchemes:       []string{"http", "https"},
		MaxRedirects:         5,
		RequestTimeoutMs:     5000,
		MaxBodyBytes:         horosafe.MaxResponseBody,
		MaxConcurrentFetches: 100,
		DeniedPorts:          append([]int(nil), horosafe.DefaultDeniedPorts...),
		DeniedHosts:          append([]string(nil), horosafe.DefaultDeniedHosts...),
		UserAgent:            "fetchguard/1.0",
	}
}

// Validate checks that limits are sane and network lists parse.
func (c *Config) Validate() error {
	if len(c.AllowedSchemes) == 0 {
		return fmt.Errorf("fetchguard: allowed_schemes must not be empty")
	}
	for _, s := range c.AllowedSchemes {
		if s != "http" && s != "https" {
			return fmt.Errorf("fetchguard: unsupported scheme %q (use http or https)", s)
		}
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("fetchguard: max_redirects must be >= 0")
	}
	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("fetchguard: request_timeout_ms must be > 0")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetchguard: max_body_bytes must be > 0")
	}
	if c.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("fetchguard: max_concurrent_fetches must be > 0")
	}
	for _, p := range append(append([]int(nil), c.DeniedPorts...), c.AllowedPorts...) {
		if p < 1 || p > 65535 {
			return fmt.Errorf("fetchguard: invalid port %d", p)
		}
	}
	if _, err := parsePrefixes(c.AllowNetworks); err != nil {
		return fmt.Errorf("fetchguard: allow_networks: %w", err)
	}
	if _, err := parsePrefixes(c.DenyNetworks); err != nil {
		return fmt.Errorf("fetchguard: deny_networks: %w", err)
	}
	return nil
}

// RequestTimeout returns the configured timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Policy returns the URL validation policy derived from c.
func (c *Config) Policy() horosafe.Policy {
	return horosafe.Policy{
		Schemes:      c.AllowedSchemes,
		AllowedPorts: c.AllowedPorts,
		DeniedPorts:  c.DeniedPorts,
		DeniedHosts:  c.DeniedHosts,
	}
}

// Classifier returns the address classifier derived from c. Call Validate
// first; unparsable prefixes are skipped here.
func (c *Config) Classifier() *horosafe.Classifier {
	allow, _ := parsePrefixes(c.AllowNetworks)
	deny, _ := parsePrefixes(c.DenyNetworks)
	return horosafe.NewClassifier(allow, deny)
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			// Accept a bare address as a single-host prefix.
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return nil, fmt.Errorf("invalid network %q: %w", s, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p)
	}
	return out, nil
}
