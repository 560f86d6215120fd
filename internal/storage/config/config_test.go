package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default("/tmp/db")
	if cfg.DataDir != "/tmp/db" {
		t.Fatalf("data dir = %q, want /tmp/db", cfg.DataDir)
	}
	if cfg.MaxCachePages != DefaultMaxCachePages {
		t.Fatalf("max cache pages = %d, want %d", cfg.MaxCachePages, DefaultMaxCachePages)
	}
	if cfg.CheckpointSchedule != DefaultCheckpointSchedule {
		t.Fatalf("checkpoint schedule = %q, want %q", cfg.CheckpointSchedule, DefaultCheckpointSchedule)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FillsDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /var/lib/tinystore\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/tinystore" {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
	if cfg.MaxCachePages != DefaultMaxCachePages {
		t.Fatalf("max cache pages = %d, want default", cfg.MaxCachePages)
	}
	if cfg.CheckpointSchedule != DefaultCheckpointSchedule {
		t.Fatalf("checkpoint schedule = %q, want default", cfg.CheckpointSchedule)
	}
}

func TestLoad_RespectsOverrides(t *testing.T) {
	path := writeConfig(t, "data_dir: /data\nmax_cache_pages: 16\ncheckpoint_schedule: \"0 * * * * *\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxCachePages != 16 {
		t.Fatalf("max cache pages = %d, want 16", cfg.MaxCachePages)
	}
	if cfg.CheckpointSchedule != "0 * * * * *" {
		t.Fatalf("checkpoint schedule = %q", cfg.CheckpointSchedule)
	}
}

func TestLoad_RequiresDataDir(t *testing.T) {
	path := writeConfig(t, "max_cache_pages: 16\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when data_dir is missing")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
