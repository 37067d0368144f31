package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("config path resolution is platform specific")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "plinth")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	raw := "programs_dir: /srv/programs\n" +
		"cache_dir: /var/cache/plinth\n" +
		"server_address: 0.0.0.0:9090\n" +
		"default_method: encode\n" +
		"verify: full\n" +
		"log_level: debug\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadConfig()
	if cfg.ProgramsDir != "/srv/programs" {
		t.Fatalf("programs_dir: got %q", cfg.ProgramsDir)
	}
	if cfg.CacheDir != "/var/cache/plinth" {
		t.Fatalf("cache_dir: got %q", cfg.CacheDir)
	}
	if cfg.ServerAddress != "0.0.0.0:9090" {
		t.Fatalf("server_address: got %q", cfg.ServerAddress)
	}
	if cfg.DefaultMethod != "encode" {
		t.Fatalf("default_method: got %q", cfg.DefaultMethod)
	}
	if cfg.Verify != "full" {
		t.Fatalf("verify: got %q", cfg.Verify)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level: got %q", cfg.LogLevel)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("config path resolution is platform specific")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if cfg := LoadConfig(); cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("config path resolution is platform specific")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "plinth")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("programs_dir: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if cfg := LoadConfig(); cfg != (Config{}) {
		t.Fatalf("expected zero config for malformed file, got %+v", cfg)
	}
}
