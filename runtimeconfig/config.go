// Package runtimeconfig loads the host-facing configuration file for the
// state synchronization runtime. JSON and YAML are both accepted.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Group    string `json:"group,omitempty" yaml:"group,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

type Config struct {
	// JournalPath is where rejected deltas are recorded. Empty disables
	// the journal.
	JournalPath string `json:"journalPath,omitempty" yaml:"journalPath,omitempty"`
	// Redis, when configured, routes resync requests through a stream
	// instead of the in-process handler.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	// MaxDeltaOps caps operations per delta; zero keeps the default.
	MaxDeltaOps int `json:"maxDeltaOps,omitempty" yaml:"maxDeltaOps,omitempty"`
	// ResyncRedispatch is how long a pending resync request suppresses
	// new ones, e.g. "30s".
	ResyncRedispatch string `json:"resyncRedispatch,omitempty" yaml:"resyncRedispatch,omitempty"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q as YAML: %w", absPath, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q as JSON: %w", absPath, err)
		}
	}

	cfg.JournalPath = strings.TrimSpace(cfg.JournalPath)
	cfg.ResyncRedispatch = strings.TrimSpace(cfg.ResyncRedispatch)
	if cfg.Redis != nil {
		cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
		if cfg.Redis.Addr == "" {
			return Config{}, fmt.Errorf("config %q: redis.addr is required when redis is set", absPath)
		}
	}
	if cfg.ResyncRedispatch != "" {
		if _, err := time.ParseDuration(cfg.ResyncRedispatch); err != nil {
			return Config{}, fmt.Errorf("config %q: invalid resyncRedispatch: %w", absPath, err)
		}
	}
	if cfg.MaxDeltaOps < 0 {
		return Config{}, fmt.Errorf("config %q: maxDeltaOps must not be negative", absPath)
	}
	return cfg, nil
}

// RedispatchInterval returns the parsed resync re-dispatch interval, or zero
// when unset. Load has already validated the syntax.
func (c Config) RedispatchInterval() time.Duration {
	if c.ResyncRedispatch == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.ResyncRedispatch)
	return d
}
