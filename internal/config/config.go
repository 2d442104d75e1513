// Package config provides unified configuration for the capsync replica
// client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the capsync replica client.
type Config struct {
	// TenantID scopes every remote image path.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// DataDir is the base directory for all local data files.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage configuration for remote database images.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Download configuration.
	Download DownloadConfig `json:"download" yaml:"download"`

	// Sync channel configuration.
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Lock service configuration.
	Lock LockConfig `json:"lock" yaml:"lock"`
}

// StorageConfig holds remote image storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3.
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type).
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type).
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage).
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DownloadConfig holds database image download configuration.
type DownloadConfig struct {
	// CacheDir is the directory for cached database images.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheMaxBytes caps the on-disk image cache (default 1 GiB).
	CacheMaxBytes int64 `json:"cache_max_bytes" yaml:"cache_max_bytes"`

	// MaxAttempts is the retry ceiling per download (default 5).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the backoff before the first retry (default 100ms);
	// it doubles per attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxConcurrent bounds simultaneous instance hydrations (default 4).
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// SyncConfig holds sync channel configuration.
type SyncConfig struct {
	// URL is the websocket endpoint of the sync service.
	URL string `json:"url" yaml:"url"`

	// AuthToken authenticates the channel; supplied once at connect time.
	AuthToken string `json:"auth_token" yaml:"auth_token"`

	// ReconnectBackoff is the backoff before the first reconnect attempt
	// (default 250ms); it doubles per attempt up to MaxReconnectBackoff.
	ReconnectBackoff time.Duration `json:"reconnect_backoff" yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the reconnect backoff (default 30s).
	MaxReconnectBackoff time.Duration `json:"max_reconnect_backoff" yaml:"max_reconnect_backoff"`

	// MaxReconnectAttempts is the attempt ceiling before the channel surfaces
	// a sync error (default 10). The instance stays usable either way.
	MaxReconnectAttempts int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// LockConfig holds lock service configuration.
type LockConfig struct {
	// URL is the base URL of the HTTP lock service.
	URL string `json:"url" yaml:"url"`

	// RequestTimeout bounds each acquire/release/check request (default 10s).
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		TenantID: "default",
		DataDir:  "./data/capsync",
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
		Download: DownloadConfig{
			CacheDir:       "",
			CacheMaxBytes:  1 << 30,
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxConcurrent:  4,
		},
		Sync: SyncConfig{
			URL:                  "ws://localhost:8090/v1/sync",
			ReconnectBackoff:     250 * time.Millisecond,
			MaxReconnectBackoff:  30 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Lock: LockConfig{
			URL:            "http://localhost:8090/v1/locks",
			RequestTimeout: 10 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/capsync"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Download.CacheDir == "" {
		c.Download.CacheDir = filepath.Join(c.DataDir, "images")
	}

	if c.Download.CacheMaxBytes <= 0 {
		c.Download.CacheMaxBytes = 1 << 30
	}
	if c.Download.MaxAttempts <= 0 {
		c.Download.MaxAttempts = 5
	}
	if c.Download.InitialBackoff <= 0 {
		c.Download.InitialBackoff = 100 * time.Millisecond
	}
	if c.Download.MaxConcurrent <= 0 {
		c.Download.MaxConcurrent = 4
	}

	if c.Sync.ReconnectBackoff <= 0 {
		c.Sync.ReconnectBackoff = 250 * time.Millisecond
	}
	if c.Sync.MaxReconnectBackoff <= 0 {
		c.Sync.MaxReconnectBackoff = 30 * time.Second
	}
	if c.Sync.MaxReconnectAttempts <= 0 {
		c.Sync.MaxReconnectAttempts = 10
	}

	if c.Lock.RequestTimeout <= 0 {
		c.Lock.RequestTimeout = 10 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Sync.URL == "" {
		return fmt.Errorf("sync.url is required")
	}

	if c.Lock.URL == "" {
		return fmt.Errorf("lock.url is required")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CAPSYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CAPSYNC_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("CAPSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := os.Getenv("CAPSYNC_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CAPSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CAPSYNC_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CAPSYNC_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("CAPSYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	// Download configuration
	if v := os.Getenv("CAPSYNC_DOWNLOAD_CACHE_DIR"); v != "" {
		cfg.Download.CacheDir = v
	}
	if v := os.Getenv("CAPSYNC_DOWNLOAD_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Download.MaxAttempts)
	}
	if v := os.Getenv("CAPSYNC_DOWNLOAD_CACHE_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Download.CacheMaxBytes)
	}

	// Sync configuration
	if v := os.Getenv("CAPSYNC_SYNC_URL"); v != "" {
		cfg.Sync.URL = v
	}
	if v := os.Getenv("CAPSYNC_SYNC_AUTH_TOKEN"); v != "" {
		cfg.Sync.AuthToken = v
	}
	if v := os.Getenv("CAPSYNC_SYNC_RECONNECT_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReconnectBackoff = d
		}
	}

	// Lock configuration
	if v := os.Getenv("CAPSYNC_LOCK_URL"); v != "" {
		cfg.Lock.URL = v
	}
	if v := os.Getenv("CAPSYNC_LOCK_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.RequestTimeout = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Download.CacheDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
