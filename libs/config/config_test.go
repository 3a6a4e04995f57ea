package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "wallet-ledger" || cfg.Env != "dev" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9000\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WLT_HTTP_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Fatalf("expected env port 9100, got %d", cfg.HTTP.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug from file, got %s", cfg.LogLevel)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("WLT_HTTP_PORT", "0")
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatalf("expected error for zero port")
	}
}
