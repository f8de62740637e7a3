package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultUploadConcurrency bounds parallel screenshot uploads per ingest.
	DefaultUploadConcurrency = 8

	// DefaultMaxInlineStepsSize is the serialized step tree size above
	// which step trees are offloaded to blob storage.
	DefaultMaxInlineStepsSize = "64KB"

	// DefaultMaxInlineStepsCount is the step count above which step
	// trees are offloaded to blob storage.
	DefaultMaxInlineStepsCount = 200

	// DefaultMaxArchiveSize caps uploaded report archives.
	DefaultMaxArchiveSize = "256MB"
)

// Config is the root configuration for flakewatch.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Lookups  LookupsConfig  `yaml:"lookups" mapstructure:"lookups"`
	Webhooks WebhookConfig  `yaml:"webhooks,omitempty" mapstructure:"webhooks"`
	API      *APIConfig     `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// IngestConfig contains ingestion pipeline settings.
type IngestConfig struct {
	UploadConcurrency   int    `yaml:"upload_concurrency,omitempty" mapstructure:"upload_concurrency"`
	MaxInlineStepsSize  string `yaml:"max_inline_steps_size,omitempty" mapstructure:"max_inline_steps_size"`
	MaxInlineStepsCount int    `yaml:"max_inline_steps_count,omitempty" mapstructure:"max_inline_steps_count"`
	MaxArchiveSize      string `yaml:"max_archive_size,omitempty" mapstructure:"max_archive_size"`
}

// LookupsConfig seeds the named lookup tables at startup. Uploads
// referencing an environment or trigger outside the seeded names fail
// with a lookup error.
type LookupsConfig struct {
	Environments []string `yaml:"environments,omitempty" mapstructure:"environments"`
	Triggers     []string `yaml:"triggers,omitempty" mapstructure:"triggers"`
}

// WebhookConfig configures run-failure notifications.
type WebhookConfig struct {
	Enabled   bool              `yaml:"enabled" mapstructure:"enabled"`
	Timeout   string            `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Endpoints []WebhookEndpoint `yaml:"endpoints,omitempty" mapstructure:"endpoints"`
}

// WebhookEndpoint is one notification target.
type WebhookEndpoint struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Secret string `yaml:"secret,omitempty" mapstructure:"secret"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig selects the blob storage backend for screenshots and
// offloaded step trees. Only one backend may be enabled at a time.
type StorageConfig struct {
	S3    *S3StorageConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3StorageConfig contains S3-compatible storage settings.
type S3StorageConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	PublicBaseURL   string `yaml:"public_base_url,omitempty" mapstructure:"public_base_url"`
}

// LocalStorageConfig writes blobs to a local directory, served back via
// the configured base URL.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// Load reads and merges one or more YAML configuration files, applies
// FLAKEWATCH_* environment overrides, then defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for i, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if i == 0 {
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}

			continue
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("FLAKEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Ingest.UploadConcurrency <= 0 {
		c.Ingest.UploadConcurrency = DefaultUploadConcurrency
	}

	if c.Ingest.MaxInlineStepsSize == "" {
		c.Ingest.MaxInlineStepsSize = DefaultMaxInlineStepsSize
	}

	if c.Ingest.MaxInlineStepsCount <= 0 {
		c.Ingest.MaxInlineStepsCount = DefaultMaxInlineStepsCount
	}

	if c.Ingest.MaxArchiveSize == "" {
		c.Ingest.MaxArchiveSize = DefaultMaxArchiveSize
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./flakewatch.db"
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}

	c.API.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := c.Ingest.MaxInlineStepsBytes(); err != nil {
		return err
	}

	if _, err := c.Ingest.MaxArchiveBytes(); err != nil {
		return err
	}

	s3Enabled := c.Storage.S3 != nil && c.Storage.S3.Enabled
	localEnabled := c.Storage.Local != nil && c.Storage.Local.Enabled

	if s3Enabled && localEnabled {
		return fmt.Errorf("only one storage backend may be enabled")
	}

	if s3Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}

	if localEnabled && c.Storage.Local.Dir == "" {
		return fmt.Errorf("storage.local.dir is required")
	}

	if c.Webhooks.Enabled {
		for i, ep := range c.Webhooks.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("webhooks.endpoints[%d]: url is required", i)
			}
		}
	}

	return nil
}

// MaxInlineStepsBytes parses the human-readable inline step size limit.
func (c *IngestConfig) MaxInlineStepsBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxInlineStepsSize)
	if err != nil {
		return 0, fmt.Errorf("parsing max_inline_steps_size %q: %w", c.MaxInlineStepsSize, err)
	}

	return n, nil
}

// MaxArchiveBytes parses the human-readable archive size limit.
func (c *IngestConfig) MaxArchiveBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxArchiveSize)
	if err != nil {
		return 0, fmt.Errorf("parsing max_archive_size %q: %w", c.MaxArchiveSize, err)
	}

	return n, nil
}
