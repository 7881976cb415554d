// Package config loads the plane's YAML configuration and resolves vendor
// credentials through the two-tier environment fallback.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// ProviderConfig is one vendor's configuration record. Credential fields
// left empty resolve from VENDOR__FIELD then VENDOR_FIELD environment
// variables; a config-provided value wins over both.
type ProviderConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Priority           int               `yaml:"priority"`
	KeyID              string            `yaml:"key_id"`
	SecretKey          string            `yaml:"secret_key"`
	APIKey             string            `yaml:"api_key"`
	Token              string            `yaml:"token"`
	Feed               string            `yaml:"feed"`
	UseSandbox         bool              `yaml:"use_sandbox"`
	SubscribeQuotes    bool              `yaml:"subscribe_quotes"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute"`
	Extra              map[string]string `yaml:"extra"`
}

// DataSources enumerates active providers and failover defaults.
type DataSources struct {
	Active                 []string `yaml:"active"`
	EnableFailover         bool     `yaml:"enable_failover"`
	FailoverTimeoutSeconds int      `yaml:"failover_timeout_seconds"`
}

// BackfillConfig tunes the scheduler.
type BackfillConfig struct {
	MaxConcurrentRequests    int `yaml:"max_concurrent_requests"`
	MaxConcurrentPerProvider int `yaml:"max_concurrent_per_provider"`
	BatchSizeDays            int `yaml:"batch_size_days"`
	MaxRetries               int `yaml:"max_retries"`
}

// ArchiveConfig points at the bar store.
type ArchiveConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig covers the facade's HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration document.
type Config struct {
	Providers   map[string]ProviderConfig `yaml:"providers"`
	DataSources DataSources               `yaml:"data_sources"`
	Backfill    BackfillConfig            `yaml:"backfill"`
	Archive     ArchiveConfig             `yaml:"archive"`
	Server      ServerConfig              `yaml:"server"`
	RedisURL    string                    `yaml:"redis_url"`
	OpenFIGIKey string                    `yaml:"openfigi_key"`
}

// Default returns the configuration used when no file is given: Alpaca
// primary, Polygon backup, failover on.
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"alpaca":  {Enabled: true, Priority: 1, Feed: "iex"},
			"polygon": {Enabled: true, Priority: 2},
			"yahoo":   {Enabled: true, Priority: 3},
		},
		DataSources: DataSources{
			Active:                 []string{"alpaca", "polygon", "yahoo"},
			EnableFailover:         true,
			FailoverTimeoutSeconds: 10,
		},
		Server: ServerConfig{ListenAddr: ":9464"},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the plane cannot start with.
func (c *Config) Validate() error {
	for _, name := range c.DataSources.Active {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("active provider %q has no providers entry", name)
		}
	}
	if c.DataSources.FailoverTimeoutSeconds < 0 {
		return fmt.Errorf("failover_timeout_seconds must be non-negative")
	}
	return nil
}

// FailoverInterval converts the configured timeout to the controller's tick
// period, defaulting to 10s.
func (c *Config) FailoverInterval() time.Duration {
	if c.DataSources.FailoverTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DataSources.FailoverTimeoutSeconds) * time.Second
}

// Provider returns a vendor's record, zero-valued when absent.
func (c *Config) Provider(id provider.ID) ProviderConfig {
	return c.Providers[string(id)]
}

// Credential resolves one credential for a vendor: the config value when
// set, else the environment fallbacks.
func (c *Config) Credential(id provider.ID, field string) string {
	pc := c.Provider(id)
	var configured string
	switch field {
	case "key_id":
		configured = pc.KeyID
	case "secret_key":
		configured = pc.SecretKey
	case "api_key":
		configured = pc.APIKey
	case "token":
		configured = pc.Token
	}
	return provider.ResolveCredential(id, field, configured)
}

// RateLimitProfile builds a governor profile from a vendor's configured
// per-minute cap; zero when unset so the vendor default applies.
func (pc ProviderConfig) RateLimitProfile() provider.RateLimitProfile {
	if pc.RateLimitPerMinute <= 0 {
		return provider.RateLimitProfile{}
	}
	return provider.RateLimitProfile{
		MaxRequests: pc.RateLimitPerMinute,
		Window:      time.Minute,
	}
}
