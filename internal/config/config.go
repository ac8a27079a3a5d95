package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/sendlater/internal/ipfilter"
)

// Environment variables that override secrets from the YAML file
const (
	EnvAPIKey        = "SENDLATER_API_KEY"
	EnvGatewayToken  = "SENDLATER_GATEWAY_TOKEN"
	EnvPostgresURL   = "SENDLATER_POSTGRES_URL"
	EnvRedisPassword = "SENDLATER_REDIS_PASSWORD"
)

// Gateway types
const (
	GatewayBridge  = "bridge"
	GatewayCloud   = "cloud"
	GatewaySandbox = "sandbox"
)

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Storage   StorageConfig   `yaml:"storage"`
	Templates TemplatesConfig `yaml:"templates"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Receipts  ReceiptsConfig  `yaml:"receipts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// SchedulerConfig contains dispatcher settings
type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`   // Default: 1s
	BatchSize       int           `yaml:"batch_size"`       // Due messages fetched per sweep (default: 100)
	MaxInFlight     int           `yaml:"max_in_flight"`    // Concurrent deliveries (default: 4)
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"` // Per-send deadline (default: 30s)
	Autostart       *bool         `yaml:"autostart"`        // Start dispatching with the server (default: true)
}

// GatewayConfig selects and configures the messaging channel
type GatewayConfig struct {
	Type          string        `yaml:"type"` // bridge, cloud, sandbox
	URL           string        `yaml:"url"`  // Bridge base URL, or Cloud API base URL override
	Token         string        `yaml:"token"`
	PhoneNumberID string        `yaml:"phone_number_id"`
	APIVersion    string        `yaml:"api_version"` // Cloud API version (default: v19.0)
	Timeout       time.Duration `yaml:"timeout"`

	DefaultCountryCode  string `yaml:"default_country_code"` // Default: 27
	NormalizeRecipients bool   `yaml:"normalize_recipients"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig tunes the development gateway
type SandboxConfig struct {
	SimulateErrors   bool          `yaml:"simulate_errors"`
	ErrorProbability float64       `yaml:"error_probability"` // 0.0 - 1.0
	Delay            time.Duration `yaml:"delay"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Driver      string           `yaml:"driver"` // bolt, postgres
	Path        string           `yaml:"path"`   // BoltDB file
	PostgresURL string           `yaml:"postgres_url"`
	Retention   *RetentionConfig `yaml:"retention"` // History retention settings
}

// RetentionConfig contains history retention settings
type RetentionConfig struct {
	HistoryMaxAge   time.Duration `yaml:"history_max_age"`   // Delete resolved messages older than this (0 = keep forever)
	HistoryMaxCount int           `yaml:"history_max_count"` // Keep at most this many resolved messages (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`  // How often to run cleanup
}

// TemplatesConfig contains template store settings
type TemplatesConfig struct {
	SeedDefaults *bool `yaml:"seed_defaults"` // Install the default templates into an empty store (default: true)
}

// RateLimitConfig contains delivery rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits (for entire server)
	Global *LimitValues `yaml:"global,omitempty"`

	// Default limits for each recipient
	DefaultRecipient *LimitValues `yaml:"default_recipient,omitempty"`

	// Per-recipient limits (overrides DefaultRecipient)
	Recipients map[string]*LimitValues `yaml:"recipients,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"` // Counter persistence interval (default: 10s)
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// ReceiptsConfig contains the Redis receipt cache settings
type ReceiptsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // Default: 168h
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 10s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, used when
// no config file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

// applyEnv overrides secrets from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv(EnvPostgresURL); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Receipts.Password = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = time.Second
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.MaxInFlight == 0 {
		c.Scheduler.MaxInFlight = 4
	}
	if c.Scheduler.DeliveryTimeout == 0 {
		c.Scheduler.DeliveryTimeout = 30 * time.Second
	}

	if c.Gateway.Type == "" {
		c.Gateway.Type = GatewayBridge
	}
	if c.Gateway.Type == GatewayBridge && c.Gateway.URL == "" {
		c.Gateway.URL = "http://localhost:8080/api"
	}
	if c.Gateway.APIVersion == "" {
		c.Gateway.APIVersion = "v19.0"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
	if c.Gateway.DefaultCountryCode == "" {
		c.Gateway.DefaultCountryCode = "27"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverBolt
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sendlater/sendlater.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Receipts.TTL == 0 {
		c.Receipts.TTL = 7 * 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Scheduler.SweepInterval < 0 || c.Scheduler.DeliveryTimeout < 0 {
		return fmt.Errorf("scheduler intervals must not be negative")
	}
	if c.Scheduler.BatchSize < 0 || c.Scheduler.MaxInFlight < 0 {
		return fmt.Errorf("scheduler.batch_size and scheduler.max_in_flight must not be negative")
	}

	if err := c.validateGateway(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Receipts.Enabled && c.Receipts.Addr == "" {
		return fmt.Errorf("receipts.addr is required when receipts are enabled")
	}

	if _, err := ipfilter.ParseNetworks(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("api.allowed_ips: %w", err)
	}
	if _, err := ipfilter.ParseNetworks(c.Metrics.AllowedIPs); err != nil {
		return fmt.Errorf("metrics.allowed_ips: %w", err)
	}

	return nil
}

// validateGateway validates the messaging channel settings
func (c *Config) validateGateway() error {
	switch c.Gateway.Type {
	case GatewayBridge:
		if c.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required for the bridge gateway")
		}
	case GatewayCloud:
		if c.Gateway.Token == "" {
			return fmt.Errorf("gateway.token is required for the cloud gateway")
		}
		if c.Gateway.PhoneNumberID == "" {
			return fmt.Errorf("gateway.phone_number_id is required for the cloud gateway")
		}
	case GatewaySandbox:
		p := c.Gateway.Sandbox.ErrorProbability
		if p < 0 || p > 1 {
			return fmt.Errorf("gateway.sandbox.error_probability must be between 0 and 1")
		}
	default:
		return fmt.Errorf("invalid gateway.type: %s (must be bridge, cloud, or sandbox)", c.Gateway.Type)
	}

	if strings.Trim(c.Gateway.DefaultCountryCode, "0123456789") != "" {
		return fmt.Errorf("gateway.default_country_code must contain digits only")
	}

	return nil
}

// validateStorage validates the storage driver settings
func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or postgres)", c.Storage.Driver)
	}

	if r := c.Storage.Retention; r != nil && (r.HistoryMaxAge < 0 || r.HistoryMaxCount < 0) {
		return fmt.Errorf("storage.retention values must not be negative")
	}

	return nil
}

// AutostartScheduler reports whether the dispatcher starts with the server
func (c *Config) AutostartScheduler() bool {
	return c.Scheduler.Autostart == nil || *c.Scheduler.Autostart
}

// SeedTemplates reports whether default templates are installed into an empty store
func (c *Config) SeedTemplates() bool {
	return c.Templates.SeedDefaults == nil || *c.Templates.SeedDefaults
}
