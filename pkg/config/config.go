// Package config loads and validates cdpmux configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/events"
)

// Default configuration values exported for documentation and validation
const (
	DefaultEndpoint        = "http://127.0.0.1:9222"
	DefaultBind            = "127.0.0.1:9223"
	DefaultRelayListen     = "127.0.0.1:9224"
	DefaultJournalPath     = "cdpmux.db"
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultConfigPath      = "cdpmux.yaml"
)

// Config represents the complete cdpmux configuration
type Config struct {
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Events  EventsConfig  `yaml:"events"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// SessionConfig controls the upstream debugger connection
type SessionConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
	MaxReconnects       int           `yaml:"max_reconnects"`
	Domains             []string      `yaml:"domains"`
	ReadLimit           int64         `yaml:"read_limit"`
}

// ServerConfig controls the multiplexing HTTP front end
type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	AuthToken       string        `yaml:"auth_token"`
	RateLimit       float64       `yaml:"rate_limit"` // submissions per second, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
	SpillThreshold  int           `yaml:"spill_threshold"` // bytes, 0 or less disables spooling
	SpillDir        string        `yaml:"spill_dir"`
	MaxStreamConns  int           `yaml:"max_stream_conns"` // 0 = unlimited
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RelayConfig controls the raw TCP forwarder
type RelayConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	Target      string        `yaml:"target"` // empty derives from the session endpoint
	MaxConns    int           `yaml:"max_conns"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// EventsConfig controls event mirroring onto a message bus
type EventsConfig struct {
	MirrorEnabled bool             `yaml:"mirror_enabled"`
	MirrorPrefix  string           `yaml:"mirror_prefix"`
	Bus           events.BusConfig `yaml:"bus"`
}

// JournalConfig controls call journaling
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls structured log output
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Endpoint:            DefaultEndpoint,
			ConnectTimeout:      cdp.DefaultConnectTimeout,
			CallTimeout:         cdp.DefaultCallTimeout,
			HealthTimeout:       cdp.DefaultHealthTimeout,
			HealthInterval:      cdp.DefaultHealthInterval,
			ReconnectBackoff:    cdp.DefaultReconnectFloor,
			MaxReconnectBackoff: cdp.DefaultReconnectCeil,
			MaxReconnects:       cdp.DefaultMaxReconnects,
			Domains:             append([]string(nil), cdp.DefaultDomains...),
			ReadLimit:           cdp.DefaultReadLimit,
		},
		Server: ServerConfig{
			Bind:            DefaultBind,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Relay: RelayConfig{
			Listen: DefaultRelayListen,
		},
		Events: EventsConfig{
			MirrorPrefix: events.DefaultMirrorPrefix,
			Bus:          events.DefaultBusConfig(),
		},
		Journal: JournalConfig{
			Path: DefaultJournalPath,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads the default config file when present, then applies environment
// overrides and validates.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, DefaultConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadAndMerge overlays the YAML file at path onto cfg. Absent keys keep
// their current values.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CDPMUX_ENDPOINT"); v != "" {
		cfg.Session.Endpoint = v
	}
	if v := os.Getenv("CDPMUX_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.CallTimeout = d
		}
	}
	if v := os.Getenv("CDPMUX_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("CDPMUX_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("CDPMUX_RELAY_LISTEN"); v != "" {
		cfg.Relay.Listen = v
	}
	if v := os.Getenv("CDPMUX_BUS_URL"); v != "" {
		cfg.Events.Bus.URL = v
	}
	if v := os.Getenv("CDPMUX_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
		cfg.Journal.Enabled = true
	}
	if v := os.Getenv("CDPMUX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks whether the configuration is usable
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.Endpoint) == "" {
		return fmt.Errorf("session endpoint is required")
	}
	if c.Session.ConnectTimeout < 0 || c.Session.CallTimeout < 0 || c.Session.HealthTimeout < 0 {
		return fmt.Errorf("session timeouts must be zero or positive")
	}

	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server bind address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server bind address %q: %w", c.Server.Bind, err)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit must be zero or positive")
	}
	if c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate_burst must be zero or positive")
	}

	if c.Relay.Enabled {
		if strings.TrimSpace(c.Relay.Listen) == "" {
			return fmt.Errorf("relay listen address is required when the relay is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Relay.Listen); err != nil {
			return fmt.Errorf("invalid relay listen address %q: %w", c.Relay.Listen, err)
		}
		if _, err := c.RelayTarget(); err != nil {
			return err
		}
	}

	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}

	validLevels := map[string]bool{
		"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
	}
	if !validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// RelayTarget resolves the address the relay forwards to. An explicit
// relay target wins; otherwise the host of the session endpoint is used.
func (c *Config) RelayTarget() (string, error) {
	if t := strings.TrimSpace(c.Relay.Target); t != "" {
		return t, nil
	}

	endpoint := strings.TrimSpace(c.Session.Endpoint)
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return "", fmt.Errorf("cannot derive relay target from endpoint %q: %w", endpoint, err)
		}
		return endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("cannot derive relay target from endpoint %q: %w", endpoint, err)
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("cannot derive relay target from endpoint %q: no host", endpoint)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(host, "443")
		default:
			host = net.JoinHostPort(host, "80")
		}
	}
	return host, nil
}
