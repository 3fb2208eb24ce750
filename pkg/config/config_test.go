package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("session ttl = %v, want 30m", cfg.Session.TTL)
	}
	if cfg.Peer.MaxRetries != 5 || cfg.Peer.RetryDelay != 3*time.Second {
		t.Errorf("reconnect defaults = %d/%v, want 5/3s", cfg.Peer.MaxRetries, cfg.Peer.RetryDelay)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"queue capacity", func(c *Config) { c.Signal.QueueCapacity = 0 }},
		{"api url scheme", func(c *Config) { c.Peer.APIURL = "ftp://localhost" }},
		{"signal url for websocket transport", func(c *Config) {
			c.Peer.SignalTransport = "websocket"
			c.Peer.SignalURL = ""
		}},
		{"pong shorter than ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"code attempts", func(c *Config) { c.Session.CodeAttempts = 0 }},
		{"negative retries", func(c *Config) { c.Peer.MaxRetries = -1 }},
		{"signal transport", func(c *Config) { c.Peer.SignalTransport = "carrier-pigeon" }},
		{"redis events without redis", func(c *Config) { c.Events.Driver = "redis" }},
		{"nats without url", func(c *Config) { c.Events.Driver = "nats"; c.Events.NATS.URL = "" }},
		{"unknown event driver", func(c *Config) { c.Events.Driver = "kafka" }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"empty secret", func(c *Config) { c.Auth.JWTSecret = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("REMOTELINK_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override not applied, level = %q", cfg.Logging.Level)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("session:\n  ttl: 10m\npeer:\n  max_retries: 2\n  signal_transport: websocket\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.TTL != 10*time.Minute {
		t.Errorf("ttl = %v, want 10m", cfg.Session.TTL)
	}
	if cfg.Peer.MaxRetries != 2 || cfg.Peer.SignalTransport != "websocket" {
		t.Errorf("peer section not loaded: %+v", cfg.Peer)
	}
	if cfg.Session.CodeAttempts != 10 {
		t.Errorf("unset field lost its default, code_attempts = %d", cfg.Session.CodeAttempts)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  code_attempts: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFirst_PicksFirstExisting(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second.yaml")
	if err := os.WriteFile(second, []byte("session:\n  code_attempts: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, used, err := LoadFirst(filepath.Join(dir, "first.yaml"), second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != second {
		t.Errorf("used %q, want %q", used, second)
	}
	if cfg.Session.CodeAttempts != 3 {
		t.Errorf("code_attempts = %d, want 3", cfg.Session.CodeAttempts)
	}

	cfg, used, err = LoadFirst(filepath.Join(dir, "none.yaml"))
	if err != nil || used != "" || cfg == nil {
		t.Fatalf("expected defaults, got used=%q err=%v", used, err)
	}
}
