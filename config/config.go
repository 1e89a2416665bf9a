// Package config loads the service configuration bundle. The signing key and
// the catalog handle are process-wide by nature; they are injected from here
// at startup rather than read as ambient state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scivault/ingestd/guard"
)

// Config holds the full configuration for ingestd and authd.
type Config struct {
	Listen     string `yaml:"listen"`      // ingest/query service address
	AuthListen string `yaml:"auth_listen"` // auth service address

	CatalogPath       string `yaml:"catalog_path"`
	ObservabilityPath string `yaml:"observability_path"`
	IngestRoot        string `yaml:"ingest_root"`

	// SigningKey is overridable via INGESTD_SIGNING_KEY.
	SigningKey string `yaml:"signing_key"`

	AccessTokenHours int `yaml:"access_token_hours"`
	RefreshTokenDays int `yaml:"refresh_token_days"`

	ChunkSizeMB      int `yaml:"chunk_size_mb"`
	MaxFileGB        int `yaml:"max_file_gb"`
	DirectUploadMB   int `yaml:"direct_upload_mb"` // above this, whole-file uploads must go chunked
	SessionTTLHours  int `yaml:"session_ttl_hours"`

	Workers             int `yaml:"workers"`
	ClaimBackoffSeconds int `yaml:"claim_backoff_seconds"`
	ClaimBackoffCapSec  int `yaml:"claim_backoff_cap_seconds"`
	StaleClaimMinutes   int `yaml:"stale_claim_minutes"`
	ReconcileMinutes    int `yaml:"reconcile_minutes"`

	Converters map[string]ConverterConfig `yaml:"converters"`
	Sources    SourceConfig               `yaml:"sources"`
}

// ConverterConfig describes one sensor-typed conversion tool. Adding a
// converter is a configuration change, not a code change.
type ConverterConfig struct {
	Executable     string `yaml:"executable"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	MaxAttempts    int    `yaml:"max_attempts"`
	WantsParams    bool   `yaml:"wants_params"` // pass a JSON parameter blob argument
}

// SourceConfig carries remote-source fetch settings.
type SourceConfig struct {
	FetchTimeoutMinutes int `yaml:"fetch_timeout_minutes"`
	MaxAttempts         int `yaml:"max_attempts"`
}

// Default converter table. Timeouts follow the conversion tooling's observed
// run times; the 4D nexus pipeline takes a JSON parameter blob.
func defaultConverters() map[string]ConverterConfig {
	base := ConverterConfig{Executable: "sc-convert", TimeoutMinutes: 120, MaxAttempts: 2}
	m := map[string]ConverterConfig{
		"IDX":         base,
		"TIFF":        base,
		"TIFF_RGB":    base,
		"HDF5":        base,
		"NETCDF":      base,
		"RGB_DRONE":   base,
		"MAPIR_DRONE": base,
		"OTHER":       base,
	}
	m["4D_NEXUS"] = ConverterConfig{Executable: "sc-convert-nexus", TimeoutMinutes: 120, MaxAttempts: 2, WantsParams: true}
	return m
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:              ":8080",
		AuthListen:          ":8081",
		CatalogPath:         "ingestd.db",
		ObservabilityPath:   "observability.db",
		IngestRoot:          "data",
		AccessTokenHours:    24,
		RefreshTokenDays:    30,
		ChunkSizeMB:         100,
		MaxFileGB:           10 * 1024, // 10 TiB
		DirectUploadMB:      100,
		SessionTTLHours:     48,
		Workers:             2,
		ClaimBackoffSeconds: 2,
		ClaimBackoffCapSec:  30,
		StaleClaimMinutes:   150, // must exceed the longest converter timeout
		ReconcileMinutes:    5,
		Converters:          defaultConverters(),
		Sources:             SourceConfig{FetchTimeoutMinutes: 60, MaxAttempts: 3},
	}
}

// Load reads and parses a YAML config file, merged over DefaultConfig.
// An empty path means defaults only. Environment overrides are applied
// last either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("INGESTD_SIGNING_KEY"); v != "" {
		c.SigningKey = v
	}
	if v := os.Getenv("INGESTD_CATALOG_PATH"); v != "" {
		c.CatalogPath = v
	}
	if v := os.Getenv("INGESTD_ROOT"); v != "" {
		c.IngestRoot = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}
	if c.IngestRoot == "" {
		return fmt.Errorf("ingest_root is required")
	}
	if err := guard.ValidateKey([]byte(c.SigningKey)); err != nil {
		return fmt.Errorf("signing_key: %w", err)
	}
	if c.ChunkSizeMB <= 0 {
		return fmt.Errorf("chunk_size_mb must be > 0")
	}
	if c.MaxFileGB <= 0 {
		return fmt.Errorf("max_file_gb must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	for sensor, cv := range c.Converters {
		if cv.Executable == "" {
			return fmt.Errorf("converters[%s]: executable is required", sensor)
		}
		if cv.TimeoutMinutes <= 0 {
			return fmt.Errorf("converters[%s]: timeout_minutes must be > 0", sensor)
		}
		if cv.MaxAttempts <= 0 {
			return fmt.Errorf("converters[%s]: max_attempts must be > 0", sensor)
		}
	}
	if c.StaleClaimMinutes*60 <= c.maxConverterTimeoutSec() {
		return fmt.Errorf("stale_claim_minutes must exceed the longest converter timeout")
	}
	return nil
}

func (c *Config) maxConverterTimeoutSec() int {
	max := 0
	for _, cv := range c.Converters {
		if cv.TimeoutMinutes*60 > max {
			max = cv.TimeoutMinutes * 60
		}
	}
	return max
}

// ChunkSizeBytes returns the chunk size in bytes.
func (c *Config) ChunkSizeBytes() int64 { return int64(c.ChunkSizeMB) * 1024 * 1024 }

// MaxFileBytes returns the max file size in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileGB) * 1024 * 1024 * 1024 }

// DirectUploadBytes returns the whole-file upload threshold in bytes.
func (c *Config) DirectUploadBytes() int64 { return int64(c.DirectUploadMB) * 1024 * 1024 }

// AccessTokenTTL returns the access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenHours) * time.Hour
}

// RefreshTokenTTL returns the refresh token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenDays) * 24 * time.Hour
}

// SessionTTL returns the upload session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// FetchTimeout returns the per-job remote fetch deadline.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Sources.FetchTimeoutMinutes) * time.Minute
}

// ReconcileInterval returns how often the reconciler sweeps.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileMinutes) * time.Minute
}

// StaleClaimThreshold returns the age past which a converting claim is
// considered abandoned.
func (c *Config) StaleClaimThreshold() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}
