// Package config loads the worker configuration: a YAML file first, then
// SWCACHE_* environment variables on top of it. Command-line flags are applied
// by main after Load.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
	StorageS3     = "s3"
)

// Config holds all worker configuration. Empty worker fields (version,
// manifest, offline URL, API prefix, sync endpoints) fall back to the
// worker's built-in defaults.
type Config struct {
	Listen string `yaml:"listen" env:"SWCACHE_LISTEN"`
	// Origin is the app origin the worker fronts, e.g. https://twin.example.
	Origin string `yaml:"origin" env:"SWCACHE_ORIGIN"`

	Version         string   `yaml:"version" env:"SWCACHE_VERSION"`
	Manifest        []string `yaml:"manifest" env:"SWCACHE_MANIFEST" envSeparator:","`
	OfflineURL      string   `yaml:"offline_url" env:"SWCACHE_OFFLINE_URL"`
	APIPrefix       string   `yaml:"api_prefix" env:"SWCACHE_API_PREFIX"`
	VotesEndpoint   string   `yaml:"votes_endpoint" env:"SWCACHE_VOTES_ENDPOINT"`
	ReportsEndpoint string   `yaml:"reports_endpoint" env:"SWCACHE_REPORTS_ENDPOINT"`

	// SkipWaitingOnInstall activates a freshly installed version at once,
	// without waiting for a SKIP_WAITING message.
	SkipWaitingOnInstall bool `yaml:"skip_waiting_on_install" env:"SWCACHE_SKIP_WAITING"`

	Storage   StorageConfig `yaml:"storage" envPrefix:"SWCACHE_STORAGE_"`
	QueuePath string        `yaml:"queue_path" env:"SWCACHE_QUEUE_PATH"`

	// NotifyWebhook receives shown notifications as JSON when set.
	NotifyWebhook string `yaml:"notify_webhook" env:"SWCACHE_NOTIFY_WEBHOOK"`
	OTELEndpoint  string `yaml:"otel_endpoint" env:"SWCACHE_OTEL_ENDPOINT"`
	Debug         bool   `yaml:"debug" env:"SWCACHE_DEBUG"`
}

// StorageConfig selects and configures the cache backend.
type StorageConfig struct {
	Kind string `yaml:"kind" env:"KIND"`
	Dir  string `yaml:"dir" env:"DIR"`
	// Locking is the disk lock mode: file, memory or none.
	Locking string   `yaml:"locking" env:"LOCKING"`
	S3      S3Config `yaml:"s3" envPrefix:"S3_"`
}

// S3Config configures the S3 cache backend.
type S3Config struct {
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageDisk
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "swcache-data/cache"
	}
	if c.Storage.Locking == "" {
		c.Storage.Locking = "file"
	}
	if c.Storage.S3.Prefix == "" {
		c.Storage.S3.Prefix = "swcache/"
	}
	if c.QueuePath == "" {
		c.QueuePath = "swcache-data/queue.db"
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}

// Validate checks that the configuration can start a worker.
func (c *Config) Validate() error {
	if c.Origin == "" {
		return errors.New("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin must be an absolute http(s) URL, got %q", c.Origin)
	}
	switch c.Storage.Locking {
	case "file", "memory", "none":
	default:
		return fmt.Errorf("unknown storage locking %q", c.Storage.Locking)
	}
	switch c.Storage.Kind {
	case StorageMemory, StorageDisk:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}
	return nil
}
