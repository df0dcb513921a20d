// Package config loads and validates vixy's TOML configuration (spec.md
// §6). Parsing mechanics are an explicit non-goal (spec.md §1); this package
// hands the bytes to naoina/toml and concerns itself only with defaults,
// shape, and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/naoina/toml"

	"github.com/chainbound/vixy/internal/perror"
)

// Defaults from spec.md §6.
const (
	DefaultMaxELLagBlocks        = 5
	DefaultMaxCLLagSlots         = 3
	DefaultHealthCheckIntervalMs = 1000
	DefaultProxyTimeoutMs        = 30000
	DefaultMaxRetries            = 2
	DefaultHealthCheckMaxFails   = 3
	DefaultMaxBodyBytes          = 10 << 20 // 10 MiB; not named by spec.md but needed to bound POST /el reads
)

// ElNode is one configured EL endpoint.
type ElNode struct {
	Name    string `toml:"name"`
	HTTPURL string `toml:"http_url"`
	WSURL   string `toml:"ws_url"`
}

// El groups EL nodes into the primary/backup tiers of spec.md §3.
type El struct {
	Primary []ElNode `toml:"primary"`
	Backup  []ElNode `toml:"backup"`
}

// ClNode is one configured CL endpoint.
type ClNode struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Global holds the process-wide knobs of spec.md §6.
type Global struct {
	MaxELLagBlocks        uint64 `toml:"max_el_lag_blocks"`
	MaxCLLagSlots         uint64 `toml:"max_cl_lag_slots"`
	HealthCheckIntervalMs uint64 `toml:"health_check_interval_ms"`
	ProxyTimeoutMs        uint64 `toml:"proxy_timeout_ms"`
	MaxRetries            int    `toml:"max_retries"`
	HealthCheckMaxFails   uint32 `toml:"health_check_max_failures"`
	MaxBodyBytes          int64  `toml:"max_body_bytes"`

	// MaxInflightRequests bounds concurrent EL HTTP forwards via a weighted
	// semaphore (SPEC_FULL.md §3); 0 means unbounded.
	MaxInflightRequests int64 `toml:"max_inflight_requests"`
	// CORSAllowedOrigins configures the rs/cors middleware wrapping /el and
	// /cl (SPEC_FULL.md §3); empty means CORS is not enabled.
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
}

// Metrics configures the /metrics listener of spec.md §6.
type Metrics struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Config is the top-level configuration document.
type Config struct {
	Global  Global   `toml:"global"`
	El      El       `toml:"el"`
	Cl      []ClNode `toml:"cl"`
	Metrics Metrics  `toml:"metrics"`
}

func defaults() Config {
	return Config{
		Global: Global{
			MaxELLagBlocks:        DefaultMaxELLagBlocks,
			MaxCLLagSlots:         DefaultMaxCLLagSlots,
			HealthCheckIntervalMs: DefaultHealthCheckIntervalMs,
			ProxyTimeoutMs:        DefaultProxyTimeoutMs,
			MaxRetries:            DefaultMaxRetries,
			HealthCheckMaxFails:   DefaultHealthCheckMaxFails,
			MaxBodyBytes:          DefaultMaxBodyBytes,
		},
		Metrics: Metrics{Enabled: true},
	}
}

// Load reads path and parses it as TOML, applying defaults first.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, perror.New(perror.KindConfigInvalid, "config.Load", err)
	}
	return Parse(b)
}

// Parse parses raw TOML bytes into a validated Config.
func Parse(b []byte) (*Config, error) {
	cfg := defaults()
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return nil, perror.New(perror.KindConfigInvalid, "config.Parse", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate implements the ConfigInvalid checks of spec.md §7: URL scheme,
// at-least-one-primary EL node, at-least-one CL node, non-empty names.
func (c *Config) Validate() error {
	if len(c.El.Primary) == 0 {
		return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("el.primary must contain at least one node"))
	}
	if len(c.Cl) == 0 {
		return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("cl must contain at least one node"))
	}
	for _, n := range append(append([]ElNode{}, c.El.Primary...), c.El.Backup...) {
		if n.Name == "" {
			return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("el node missing name"))
		}
		if err := validateURL(n.HTTPURL, "http://", "https://"); err != nil {
			return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("el node %q http_url: %w", n.Name, err))
		}
		if err := validateURL(n.WSURL, "ws://", "wss://"); err != nil {
			return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("el node %q ws_url: %w", n.Name, err))
		}
	}
	for _, n := range c.Cl {
		if n.Name == "" {
			return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("cl node missing name"))
		}
		if err := validateURL(n.URL, "http://", "https://"); err != nil {
			return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("cl node %q url: %w", n.Name, err))
		}
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return perror.New(perror.KindConfigInvalid, "config.Validate", fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	return nil
}

func validateURL(u string, allowed ...string) error {
	for _, prefix := range allowed {
		if strings.HasPrefix(u, prefix) {
			return nil
		}
	}
	return fmt.Errorf("url %q must start with one of %v", u, allowed)
}

// HealthCheckInterval returns Global.HealthCheckIntervalMs as a Duration.
func (g Global) HealthCheckInterval() time.Duration {
	return time.Duration(g.HealthCheckIntervalMs) * time.Millisecond
}

// ProxyTimeout returns Global.ProxyTimeoutMs as a Duration.
func (g Global) ProxyTimeout() time.Duration {
	return time.Duration(g.ProxyTimeoutMs) * time.Millisecond
}
