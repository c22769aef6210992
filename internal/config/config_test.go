// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
server:
  ws_addr: "localhost:9700"
  http_addr: "localhost:9701"

gateway:
  heartbeat_interval: "10s"
  heartbeat_timeout: "30s"
  max_message_bytes: 65536
  compression: true

auth:
  jwt_secret: "test-secret"
  token_ttl: "24h"

backend:
  query_timeout: "15s"

policy:
  on_unavailable: "allow"

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.WSAddr != "localhost:9700" {
		t.Errorf("Server.WSAddr = %q, want %q", cfg.Server.WSAddr, "localhost:9700")
	}
	if cfg.Gateway.HeartbeatInterval != 10*time.Second {
		t.Errorf("Gateway.HeartbeatInterval = %v, want 10s", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Gateway.HeartbeatTimeout = %v, want 30s", cfg.Gateway.HeartbeatTimeout)
	}
	if cfg.Gateway.MaxMessageBytes != 65536 {
		t.Errorf("Gateway.MaxMessageBytes = %d, want 65536", cfg.Gateway.MaxMessageBytes)
	}
	if !cfg.Gateway.Compression {
		t.Error("Gateway.Compression = false, want true")
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Backend.QueryTimeout != 15*time.Second {
		t.Errorf("Backend.QueryTimeout = %v, want 15s", cfg.Backend.QueryTimeout)
	}
	if cfg.Policy.OnUnavailable != "allow" {
		t.Errorf("Policy.OnUnavailable = %q, want %q", cfg.Policy.OnUnavailable, "allow")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestParse_Defaults(t *testing.T) {
	minimal := `
server:
  ws_addr: "localhost:9700"
  http_addr: "localhost:9701"
auth:
  jwt_secret: "s"
database:
  path: "./x.db"
`
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Gateway.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want default %v", cfg.Gateway.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Gateway.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("HeartbeatTimeout = %v, want default %v", cfg.Gateway.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.Gateway.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxMessageBytes = %d, want default %d", cfg.Gateway.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.Policy.OnUnavailable != "deny" {
		t.Errorf("Policy.OnUnavailable = %q, want default %q", cfg.Policy.OnUnavailable, "deny")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MESH_SECRET", "expanded-secret")

	content := strings.ReplaceAll(validConfig, `"test-secret"`, `"${TEST_MESH_SECRET}"`)
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	content := strings.ReplaceAll(validConfig, `"10s"`, `"not-a-duration"`)
	if _, err := Parse([]byte(content)); err == nil {
		t.Error("Parse() should fail on invalid duration")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing ws_addr", func(c *Config) { c.Server.WSAddr = "" }},
		{"missing http_addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"missing jwt_secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"missing database path", func(c *Config) { c.Database.Path = "" }},
		{"timeout below interval", func(c *Config) {
			c.Gateway.HeartbeatInterval = time.Minute
			c.Gateway.HeartbeatTimeout = time.Second
		}},
		{"bad policy mode", func(c *Config) { c.Policy.OnUnavailable = "maybe" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validConfig))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() should fail for missing file")
	}
}
