package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddress != ":8080" {
		t.Errorf("ListenAddress = %q, want :8080", cfg.ListenAddress)
	}
	if cfg.RequestTTL != 60*time.Second {
		t.Errorf("RequestTTL = %v, want 60s", cfg.RequestTTL)
	}
	if cfg.SessionIdleTimeout != 10*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 10m", cfg.SessionIdleTimeout)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
	if cfg.ShutdownGracePeriod != 10*time.Second {
		t.Errorf("ShutdownGracePeriod = %v, want 10s", cfg.ShutdownGracePeriod)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Admin.Address != "" {
		t.Errorf("Admin.Address = %q, want empty (disabled)", cfg.Admin.Address)
	}
	if cfg.WebSocket.MaxMessageBytes != 16*1024 {
		t.Errorf("MaxMessageBytes = %d, want 16384", cfg.WebSocket.MaxMessageBytes)
	}
	if cfg.WebSocket.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WebSocket.WriteTimeout)
	}
	if cfg.WebSocket.SendBuffer != 32 {
		t.Errorf("SendBuffer = %d, want 32", cfg.WebSocket.SendBuffer)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
listen_address: ":9001"
request_ttl: 30s
session_idle_timeout: 5m
log:
  level: debug
  format: console
websocket:
  send_buffer: 64
  allowed_origins:
    - https://chat.example
admin:
  address: ":9100"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Environment beats the file.
	t.Setenv("EPHEMERIUM_LISTEN_ADDRESS", ":9002")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddress != ":9002" {
		t.Errorf("ListenAddress = %q, want env override :9002", cfg.ListenAddress)
	}
	if cfg.RequestTTL != 30*time.Second {
		t.Errorf("RequestTTL = %v, want 30s", cfg.RequestTTL)
	}
	if cfg.SessionIdleTimeout != 5*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 5m", cfg.SessionIdleTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v, want debug/console", cfg.Log)
	}
	if cfg.WebSocket.SendBuffer != 64 {
		t.Errorf("SendBuffer = %d, want 64", cfg.WebSocket.SendBuffer)
	}
	if len(cfg.WebSocket.AllowedOrigins) != 1 || cfg.WebSocket.AllowedOrigins[0] != "https://chat.example" {
		t.Errorf("AllowedOrigins = %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.Admin.Address != ":9100" {
		t.Errorf("Admin.Address = %q, want :9100", cfg.Admin.Address)
	}
	// Unset durations keep their defaults.
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want default 30s", cfg.SweepInterval)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("request_ttl: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
