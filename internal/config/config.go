// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/10yihang/fsamem/pkg/errors"
)

// Backend names accepted in storage.backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
	ShardCount int    `yaml:"shard_count"`
}

type StoreConfig struct {
	MaxAppendRetries int           `yaml:"max_append_retries"`
	LockStripes      int           `yaml:"lock_stripes"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	HistoryLimit     int           `yaml:"history_limit"`
}

type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":6380"},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			Path:       "./data",
			ShardCount: 64,
		},
		Store: StoreConfig{
			MaxAppendRetries: 16,
			LockStripes:      256,
			DefaultTimeout:   10 * time.Second,
			HistoryLimit:     50,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           5 * time.Minute,
			Capacity:      1024,
			SweepInterval: time.Minute,
		},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9121"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", errors.ErrInvalidArgs)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for %s", errors.ErrInvalidArgs, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", errors.ErrInvalidArgs, c.Storage.Backend)
	}
	if c.Store.MaxAppendRetries < 1 {
		return fmt.Errorf("%w: store.max_append_retries must be at least 1", errors.ErrInvalidArgs)
	}
	if c.Store.DefaultTimeout < 0 {
		return fmt.Errorf("%w: store.default_timeout must not be negative", errors.ErrInvalidArgs)
	}
	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("%w: cache.ttl must be positive", errors.ErrInvalidArgs)
		}
		if c.Cache.Capacity <= 0 {
			return fmt.Errorf("%w: cache.capacity must be positive", errors.ErrInvalidArgs)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", errors.ErrInvalidArgs)
	}
	return nil
}
