// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Providers ProvidersConfig `yaml:"providers"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// DatabaseConfig selects the ledger backend. Driver "sqlite" keeps everything
// in a local file; "mysql" points at a shared server.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// RedisConfig holds the command-bus connection. The bus is a latency
// optimization only; everything it carries is re-derivable from the ledger.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// APIConfig configures the worker-facing HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// SchedulerConfig holds job-loop intervals and retry policy.
type SchedulerConfig struct {
	ProvisionInterval     time.Duration `yaml:"provision_interval"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	TerminateInterval     time.Duration `yaml:"terminate_interval"`
	WatchdogInterval      time.Duration `yaml:"watchdog_interval"`
	ProvisionGrace        time.Duration `yaml:"provision_grace"`
	ReconcileWindow       time.Duration `yaml:"reconcile_window"`
	HeartbeatStaleness    time.Duration `yaml:"heartbeat_staleness"`
	MaxProvisionRetries   int           `yaml:"max_provision_retries"`
	RetryBackoffBase      time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap       time.Duration `yaml:"retry_backoff_cap"`
	MaxConcurrent         int           `yaml:"max_concurrent"`
	CatalogSyncSchedule   string        `yaml:"catalog_sync_schedule"`
	FullReconcileSchedule string        `yaml:"full_reconcile_schedule"`
}

// ProvidersConfig enables backends and carries their credentials.
type ProvidersConfig struct {
	Default string       `yaml:"default"`
	Mock    MockConfig   `yaml:"mock"`
	Hcloud  HcloudConfig `yaml:"hcloud"`
}

// MockConfig configures the simulation backend.
type MockConfig struct {
	Enabled bool     `yaml:"enabled"`
	Zones   []string `yaml:"zones"`
}

// HcloudConfig configures the Hetzner Cloud backend.
type HcloudConfig struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	Image   string   `yaml:"image"`
	Label   string   `yaml:"label"` // label selector scoping roundhouse-owned servers
	Zones   []string `yaml:"zones"`
}

// AlertsConfig configures operator notifications for reconciliation drift.
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "roundhouse.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "roundhouse"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "roundhouse:commands"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8001"
	}
	s := &c.Scheduler
	if s.ProvisionInterval <= 0 {
		s.ProvisionInterval = 10 * time.Second
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = 10 * time.Second
	}
	if s.TerminateInterval <= 0 {
		s.TerminateInterval = 10 * time.Second
	}
	if s.WatchdogInterval <= 0 {
		s.WatchdogInterval = 15 * time.Second
	}
	if s.ProvisionGrace <= 0 {
		s.ProvisionGrace = 30 * time.Second
	}
	if s.ReconcileWindow <= 0 {
		s.ReconcileWindow = 60 * time.Second
	}
	if s.HeartbeatStaleness <= 0 {
		s.HeartbeatStaleness = 30 * time.Second
	}
	if s.MaxProvisionRetries <= 0 {
		s.MaxProvisionRetries = 5
	}
	if s.RetryBackoffBase <= 0 {
		s.RetryBackoffBase = 15 * time.Second
	}
	if s.RetryBackoffCap <= 0 {
		s.RetryBackoffCap = 5 * time.Minute
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 8
	}
	if s.CatalogSyncSchedule == "" {
		s.CatalogSyncSchedule = "@every 6h"
	}
	if s.FullReconcileSchedule == "" {
		s.FullReconcileSchedule = "@every 30m"
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "mock"
	}
	if !c.Providers.Mock.Enabled && !c.Providers.Hcloud.Enabled {
		c.Providers.Mock.Enabled = true
	}
	if len(c.Providers.Mock.Zones) == 0 {
		c.Providers.Mock.Zones = []string{"mock-1"}
	}
	if c.Providers.Hcloud.Image == "" {
		c.Providers.Hcloud.Image = "ubuntu-24.04"
	}
	if c.Providers.Hcloud.Label == "" {
		c.Providers.Hcloud.Label = "managed-by=roundhouse"
	}
	if len(c.Providers.Hcloud.Zones) == 0 {
		c.Providers.Hcloud.Zones = []string{"fsn1"}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	switch c.Providers.Default {
	case "mock":
		if !c.Providers.Mock.Enabled {
			errs = append(errs, "providers.default is mock but mock is not enabled")
		}
	case "hcloud":
		if !c.Providers.Hcloud.Enabled {
			errs = append(errs, "providers.default is hcloud but hcloud is not enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("providers.default %q is not a known provider", c.Providers.Default))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
