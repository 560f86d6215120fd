// Package config loads process configuration for the storage core: data
// directory, cache capacity, and the persist loop's schedule. The page size
// is a fixed constant, not a loaded setting.
// Grounded in the donor's PagerConfig/PageBackendConfig structs, loaded
// from YAML via gopkg.in/yaml.v3 (present in the donor's go.mod as an
// indirect dependency of its own config-adjacent tooling but unused by its
// storage core — this module gives it a concrete home).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// PageSize is the fixed page size in bytes (spec: P = 4096).
	PageSize = 4096
	// DefaultMaxCachePages bounds the buffer manager's working set absent
	// an explicit override.
	DefaultMaxCachePages = 256
	// DefaultCheckpointSchedule is a robfig/cron/v3 expression (seconds
	// field enabled) run by the persist loop.
	DefaultCheckpointSchedule = "*/30 * * * * *"
)

// Config holds the tunables a deployment may override.
type Config struct {
	DataDir            string `yaml:"data_dir"`
	MaxCachePages      int    `yaml:"max_cache_pages"`
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
}

// Default returns a Config with the documented defaults for dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:            dataDir,
		MaxCachePages:      DefaultMaxCachePages,
		CheckpointSchedule: DefaultCheckpointSchedule,
	}
}

// Load reads a YAML configuration file and fills in defaults for any
// fields left zero-valued.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config %s: data_dir is required", path)
	}
	if cfg.MaxCachePages <= 0 {
		cfg.MaxCachePages = DefaultMaxCachePages
	}
	if cfg.CheckpointSchedule == "" {
		cfg.CheckpointSchedule = DefaultCheckpointSchedule
	}
	return cfg, nil
}
