package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/cdpmux/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Session.Endpoint == "" {
		t.Fatalf("default endpoint should be populated: %+v", cfg.Session)
	}
	if cfg.Session.CallTimeout <= 0 || cfg.Session.ConnectTimeout <= 0 {
		t.Fatalf("default session timeouts should be positive: %+v", cfg.Session)
	}
	if len(cfg.Session.Domains) == 0 {
		t.Fatalf("default domains should be populated")
	}
	if cfg.Server.Bind == "" {
		t.Fatalf("default bind should be populated")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromPathOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdpmux.yaml")
	content := `
session:
  endpoint: http://browser.internal:9333
  call_timeout: 30s
  domains: [Page, Network]
server:
  bind: 0.0.0.0:8080
  spill_threshold: 262144
journal:
  enabled: true
  path: /tmp/calls.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Session.Endpoint != "http://browser.internal:9333" {
		t.Errorf("endpoint not overridden: %q", cfg.Session.Endpoint)
	}
	if cfg.Session.CallTimeout != 30*time.Second {
		t.Errorf("call_timeout not parsed: %v", cfg.Session.CallTimeout)
	}
	if len(cfg.Session.Domains) != 2 || cfg.Session.Domains[0] != "Page" || cfg.Session.Domains[1] != "Network" {
		t.Errorf("domains not overridden: %v", cfg.Session.Domains)
	}
	if cfg.Server.Bind != "0.0.0.0:8080" {
		t.Errorf("bind not overridden: %q", cfg.Server.Bind)
	}
	if cfg.Server.SpillThreshold != 262144 {
		t.Errorf("spill_threshold not parsed: %d", cfg.Server.SpillThreshold)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/calls.db" {
		t.Errorf("journal not overridden: %+v", cfg.Journal)
	}

	// Untouched keys keep their defaults.
	if cfg.Session.ConnectTimeout <= 0 {
		t.Errorf("connect_timeout default lost: %v", cfg.Session.ConnectTimeout)
	}
	if cfg.Logging.Level != config.DefaultLogLevel {
		t.Errorf("log level default lost: %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdpmux.yaml")
	if err := os.WriteFile(path, []byte("server:\n  bind: 127.0.0.1:7000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CDPMUX_ENDPOINT", "ws://10.0.0.5:9222/devtools/browser/xyz")
	t.Setenv("CDPMUX_BIND", "127.0.0.1:7001")
	t.Setenv("CDPMUX_CALL_TIMEOUT", "45s")
	t.Setenv("CDPMUX_LOG_LEVEL", "debug")
	t.Setenv("CDPMUX_JOURNAL_PATH", filepath.Join(dir, "j.db"))

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Session.Endpoint != "ws://10.0.0.5:9222/devtools/browser/xyz" {
		t.Errorf("endpoint env override lost: %q", cfg.Session.Endpoint)
	}
	if cfg.Server.Bind != "127.0.0.1:7001" {
		t.Errorf("env override should beat file value: %q", cfg.Server.Bind)
	}
	if cfg.Session.CallTimeout != 45*time.Second {
		t.Errorf("call timeout env override lost: %v", cfg.Session.CallTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level env override lost: %q", cfg.Logging.Level)
	}
	if !cfg.Journal.Enabled {
		t.Errorf("journal path env should enable journaling")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty endpoint", func(c *config.Config) { c.Session.Endpoint = " " }},
		{"bad bind", func(c *config.Config) { c.Server.Bind = "nonsense" }},
		{"negative rate", func(c *config.Config) { c.Server.RateLimit = -1 }},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "loud" }},
		{"relay without listen", func(c *config.Config) {
			c.Relay.Enabled = true
			c.Relay.Listen = ""
		}},
		{"journal without path", func(c *config.Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestRelayTarget(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		target   string
		want     string
		wantErr  bool
	}{
		{"explicit target wins", "http://a:9222", "b:9000", "b:9000", false},
		{"http endpoint", "http://127.0.0.1:9222", "", "127.0.0.1:9222", false},
		{"ws endpoint", "ws://host:9222/devtools/browser/x", "", "host:9222", false},
		{"bare hostport", "127.0.0.1:9222", "", "127.0.0.1:9222", false},
		{"scheme without port", "http://devhost", "", "devhost:80", false},
		{"wss without port", "wss://devhost", "", "devhost:443", false},
		{"garbage", "not a url", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Session.Endpoint = tt.endpoint
			cfg.Relay.Target = tt.target

			got, err := cfg.RelayTarget()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RelayTarget: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}
