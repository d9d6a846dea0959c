// ABOUTME: Configuration loading and parsing for tether-gateway
// ABOUTME: Supports YAML or TOML files with env var expansion, env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tether-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Driver    DriverConfig    `yaml:"driver" toml:"driver"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Delivery  DeliveryConfig  `yaml:"delivery" toml:"delivery"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" toml:"webhooks"`
	Viewers   ViewersConfig   `yaml:"viewers" toml:"viewers"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"TETHER_HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"TETHER_GRPC_ADDR"` // gRPC health endpoint, optional
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"TETHER_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Expose the HTTP API publicly over Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"TETHER_DB_PATH"`
	// CredentialsPath is the whatsmeow device store. Defaults to <path dir>/credentials.db
	CredentialsPath string `yaml:"credentials_path" toml:"credentials_path" env:"TETHER_CREDENTIALS_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"TETHER_JWT_SECRET"`
}

// DriverConfig selects the connection driver
type DriverConfig struct {
	Kind string `yaml:"kind" toml:"kind" env:"TETHER_DRIVER"` // whatsapp or fake
}

// SessionsConfig holds reconnect policy for session connections
type SessionsConfig struct {
	ReconnectBase        time.Duration `yaml:"-" toml:"-"`
	ReconnectCap         time.Duration `yaml:"-" toml:"-"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`

	ReconnectBaseRaw string `yaml:"reconnect_base" toml:"reconnect_base"`
	ReconnectCapRaw  string `yaml:"reconnect_cap" toml:"reconnect_cap"`
}

// DeliveryConfig holds the outbound queue and drip settings
type DeliveryConfig struct {
	PollInterval      time.Duration `yaml:"-" toml:"-"`
	SendInterval      time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`
	OutcomeTTL        time.Duration `yaml:"-" toml:"-"`
	MessagesPerMinute int           `yaml:"messages_per_minute" toml:"messages_per_minute" env:"TETHER_MESSAGES_PER_MINUTE"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	PollBatch         int           `yaml:"poll_batch" toml:"poll_batch"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	SendIntervalRaw string `yaml:"send_interval" toml:"send_interval"`
	SendTimeoutRaw  string `yaml:"send_timeout" toml:"send_timeout"`
	OutcomeTTLRaw   string `yaml:"outcome_ttl" toml:"outcome_ttl"`
}

// WebhooksConfig holds the outbound webhook dispatcher settings
type WebhooksConfig struct {
	Source         string          `yaml:"source" toml:"source"`
	MaxAttempts    int             `yaml:"max_attempts" toml:"max_attempts"`
	Workers        int             `yaml:"workers" toml:"workers"`
	DeadLetterPath string          `yaml:"dead_letter_path" toml:"dead_letter_path" env:"TETHER_DEAD_LETTER_PATH"`
	Delays         []time.Duration `yaml:"-" toml:"-"`
	Timeout        time.Duration   `yaml:"-" toml:"-"`

	DelaysRaw  []string `yaml:"delays" toml:"delays"`
	TimeoutRaw string   `yaml:"timeout" toml:"timeout"`
}

// ViewersConfig holds live viewer stream settings
type ViewersConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	BufferSize        int           `yaml:"buffer_size" toml:"buffer_size"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" env:"TETHER_LOG_LEVEL"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file" env:"TETHER_LOG_FILE"` // rotated JSON log, optional
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Default webhook attempt schedule, indexed by attempt number.
var defaultWebhookDelays = []time.Duration{0, 5 * time.Second, 30 * time.Second, 5 * time.Minute}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then TETHER_* variables
// override individual fields. Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset tunable with its default value.
func (c *Config) ApplyDefaults() {
	if c.Driver.Kind == "" {
		c.Driver.Kind = "whatsapp"
	}
	if c.Database.CredentialsPath == "" && c.Database.Path != "" {
		c.Database.CredentialsPath = filepath.Join(filepath.Dir(c.Database.Path), "credentials.db")
	}

	if c.Sessions.ReconnectBase == 0 {
		c.Sessions.ReconnectBase = time.Second
	}
	if c.Sessions.ReconnectCap == 0 {
		c.Sessions.ReconnectCap = 30 * time.Second
	}
	if c.Sessions.MaxReconnectAttempts == 0 {
		c.Sessions.MaxReconnectAttempts = 5
	}

	d := &c.Delivery
	if d.PollInterval == 0 {
		d.PollInterval = 10 * time.Second
	}
	if d.MessagesPerMinute == 0 {
		d.MessagesPerMinute = 20
	}
	if d.SendInterval == 0 {
		d.SendInterval = time.Minute / time.Duration(d.MessagesPerMinute)
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = 30 * time.Second
	}
	if d.OutcomeTTL == 0 {
		d.OutcomeTTL = 24 * time.Hour
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.PollBatch == 0 {
		d.PollBatch = 100
	}

	w := &c.Webhooks
	if w.Source == "" {
		w.Source = "tether-gateway"
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
	if w.Workers == 0 {
		w.Workers = 64
	}
	if len(w.Delays) == 0 {
		w.Delays = append([]time.Duration(nil), defaultWebhookDelays...)
	}
	if w.Timeout == 0 {
		w.Timeout = 10 * time.Second
	}

	if c.Viewers.HeartbeatInterval == 0 {
		c.Viewers.HeartbeatInterval = 30 * time.Second
	}
	if c.Viewers.BufferSize == 0 {
		c.Viewers.BufferSize = 64
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Driver.Kind {
	case "whatsapp", "fake":
	default:
		return fmt.Errorf("driver.kind must be whatsapp or fake, got %q", c.Driver.Kind)
	}

	if c.Delivery.MessagesPerMinute < 0 {
		return fmt.Errorf("delivery.messages_per_minute must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative")
	}
	if c.Sessions.ReconnectCap < c.Sessions.ReconnectBase {
		return fmt.Errorf("sessions.reconnect_cap must be >= sessions.reconnect_base")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_base", cfg.Sessions.ReconnectBaseRaw, &cfg.Sessions.ReconnectBase},
		{"reconnect_cap", cfg.Sessions.ReconnectCapRaw, &cfg.Sessions.ReconnectCap},
		{"poll_interval", cfg.Delivery.PollIntervalRaw, &cfg.Delivery.PollInterval},
		{"send_interval", cfg.Delivery.SendIntervalRaw, &cfg.Delivery.SendInterval},
		{"send_timeout", cfg.Delivery.SendTimeoutRaw, &cfg.Delivery.SendTimeout},
		{"outcome_ttl", cfg.Delivery.OutcomeTTLRaw, &cfg.Delivery.OutcomeTTL},
		{"webhooks.timeout", cfg.Webhooks.TimeoutRaw, &cfg.Webhooks.Timeout},
		{"heartbeat_interval", cfg.Viewers.HeartbeatIntervalRaw, &cfg.Viewers.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if len(cfg.Webhooks.DelaysRaw) > 0 {
		cfg.Webhooks.Delays = make([]time.Duration, 0, len(cfg.Webhooks.DelaysRaw))
		for _, raw := range cfg.Webhooks.DelaysRaw {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("parsing webhooks.delays entry %q: %w", raw, err)
			}
			cfg.Webhooks.Delays = append(cfg.Webhooks.Delays, d)
		}
	}

	return nil
}
