package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrlnet/segmentd/pkg/types"
)

// Duration wraps time.Duration for YAML parsing of values like "30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SiteConfig holds per-site settings
type SiteConfig struct {
	// Prefix is the site's address-space supernet. Every segment CIDR at
	// this site must fall inside it.
	Prefix string `yaml:"prefix"`

	// VlanGroup is the VLAN group new VLANs are created under (optional)
	VlanGroup string `yaml:"vlan_group"`

	// SiteGroup is the externally provisioned site group name
	SiteGroup string `yaml:"site_group"`
}

// HTTPConfig holds settings for the HTTP IPAM driver
type HTTPConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	Replicas []string `yaml:"replicas"` // Additional endpoints for replicated writes
}

// PostgresConfig holds settings for the SQL IPAM driver
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// IPAMConfig selects and configures the external IPAM driver
type IPAMConfig struct {
	Driver    string          `yaml:"driver"` // "http" or "postgres"
	WriteMode types.WriteMode `yaml:"write_mode"`
	HTTP      HTTPConfig      `yaml:"http"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// ExecutorConfig bounds the external-call pools
type ExecutorConfig struct {
	ReadWorkers  int      `yaml:"read_workers"`
	WriteWorkers int      `yaml:"write_workers"`
	CallTimeout  Duration `yaml:"call_timeout"`
}

// RetryConfig bounds orchestrator-level retries of transient errors
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

// CacheConfig holds TTL settings. TTLs is keyed by key class ("segments",
// "vlans", "reference"); unknown classes fall back to DefaultTTL.
type CacheConfig struct {
	DefaultTTL Duration            `yaml:"default_ttl"`
	TTLs       map[string]Duration `yaml:"ttls"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level segmentd configuration
type Config struct {
	Log         LogConfig             `yaml:"log"`
	MetricsAddr string                `yaml:"metrics_addr"`
	IPAM        IPAMConfig            `yaml:"ipam"`
	Executor    ExecutorConfig        `yaml:"executor"`
	Retry       RetryConfig           `yaml:"retry"`
	Cache       CacheConfig           `yaml:"cache"`
	Sites       map[string]SiteConfig `yaml:"sites"`
}

// Default TTLs: reference objects change rarely, segment and VLAN
// collections are refetched aggressively after mutations anyway.
const (
	DefaultReferenceTTL  = 12 * time.Hour
	DefaultCollectionTTL = 60 * time.Second
)

// Load reads, defaults, and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with working defaults
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9815"
	}
	if c.IPAM.Driver == "" {
		c.IPAM.Driver = "http"
	}
	if c.IPAM.WriteMode == "" {
		c.IPAM.WriteMode = types.WriteModeSingle
	}
	if c.Executor.ReadWorkers <= 0 {
		c.Executor.ReadWorkers = 8
	}
	if c.Executor.WriteWorkers <= 0 {
		c.Executor.WriteWorkers = 2
	}
	if c.Executor.CallTimeout <= 0 {
		c.Executor.CallTimeout = Duration(15 * time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = Duration(250 * time.Millisecond)
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = Duration(5 * time.Second)
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = Duration(DefaultCollectionTTL)
	}
	if c.Cache.TTLs == nil {
		c.Cache.TTLs = map[string]Duration{}
	}
	if _, ok := c.Cache.TTLs["reference"]; !ok {
		c.Cache.TTLs["reference"] = Duration(DefaultReferenceTTL)
	}
}

// Validate checks the configuration for fatal mistakes
func (c *Config) Validate() error {
	switch c.IPAM.Driver {
	case "http":
		if c.IPAM.HTTP.URL == "" {
			return fmt.Errorf("ipam.http.url is required for the http driver")
		}
	case "postgres":
		if c.IPAM.Postgres.DSN == "" {
			return fmt.Errorf("ipam.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown ipam driver %q (expected http or postgres)", c.IPAM.Driver)
	}

	if c.IPAM.WriteMode != types.WriteModeSingle && c.IPAM.WriteMode != types.WriteModeReplicated {
		return fmt.Errorf("unknown write mode %q", c.IPAM.WriteMode)
	}

	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site must be configured")
	}
	for name, site := range c.Sites {
		if site.Prefix == "" {
			return fmt.Errorf("site %s: prefix is required", name)
		}
		if _, _, err := net.ParseCIDR(site.Prefix); err != nil {
			return fmt.Errorf("site %s: invalid prefix %q: %w", name, site.Prefix, err)
		}
	}
	return nil
}

// TTLFor returns the TTL for a key class, falling back to the default
func (c *CacheConfig) TTLFor(class string) time.Duration {
	if ttl, ok := c.TTLs[class]; ok {
		return ttl.Std()
	}
	return c.DefaultTTL.Std()
}
