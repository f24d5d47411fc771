package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFrom(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "dtype: f16\nlog_level: debug\nlog_format: json\nserver_address: 0.0.0.0:9090\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfigFrom(path)
	if cfg.DType != "f16" {
		t.Errorf("dtype: got %q", cfg.DType)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log_format: got %q", cfg.LogFormat)
	}
	if cfg.ServerAddress != "0.0.0.0:9090" {
		t.Errorf("server_address: got %q", cfg.ServerAddress)
	}
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	t.Parallel()

	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigFromBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("dtype: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := loadConfigFrom(path)
	if cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}
