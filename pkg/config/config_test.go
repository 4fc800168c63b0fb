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
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Rooms.TTL != 5*time.Minute {
		t.Fatalf("expected 5m room ttl, got %v", cfg.Rooms.TTL)
	}
	if cfg.Client.ReconnectAttempts != 5 || cfg.Client.ReconnectBaseDelay != time.Second {
		t.Fatalf("unexpected reconnect defaults: %d x %v", cfg.Client.ReconnectAttempts, cfg.Client.ReconnectBaseDelay)
	}
	if cfg.Adaptive.MinBitrateKbps != 150 || cfg.Adaptive.MaxBitrateKbps != 5000 || cfg.Adaptive.TurnMaxBitrateKbps != 2000 {
		t.Fatalf("unexpected adaptive defaults: %+v", cfg.Adaptive)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
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
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "room ttl must be > 0",
			mutate: func(c *Config) { c.Rooms.TTL = 0 },
		},
		{
			name:   "turn ceiling above max",
			mutate: func(c *Config) { c.Adaptive.TurnMaxBitrateKbps = c.Adaptive.MaxBitrateKbps + 1 },
		},
		{
			name:   "max below min",
			mutate: func(c *Config) { c.Adaptive.MaxBitrateKbps = 100 },
		},
		{
			name:   "step down of 100 percent",
			mutate: func(c *Config) { c.Adaptive.StepDownPercent = 100 },
		},
		{
			name:   "auth without secret",
			mutate: func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" },
		},
		{
			name:   "redis without channel",
			mutate: func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" },
		},
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

func TestLoad_MissingFileUsesDefaultsAndHostPort(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Fatalf("expected HOST/PORT override, got %q", cfg.Server.Address)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  address: ":7000"
rooms:
  ttl: 2m
adaptive:
  max_bitrate_kbps: 3000
  turn_max_bitrate_kbps: 1500
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("P2D_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != "0.0.0.0:7000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Rooms.TTL != 2*time.Minute {
		t.Fatalf("unexpected ttl %v", cfg.Rooms.TTL)
	}
	if cfg.Adaptive.MaxBitrateKbps != 3000 || cfg.Adaptive.MinBitrateKbps != 150 {
		t.Fatalf("unexpected adaptive %+v", cfg.Adaptive)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("env override should win, got %q", cfg.Logging.Level)
	}
}
