// Package config loads application configuration from an optional YAML file
// and INCIDENT_DESK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load. Nested keys
// are separated by a double underscore: INCIDENT_DESK_DATABASE__URL.
const EnvPrefix = "INCIDENT_DESK_"

// Backend types.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Backend  BackendConfig  `koanf:"backend"`
	File     FileConfig     `koanf:"file"`
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	IDs      IDsConfig      `koanf:"ids"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Timezone string         `koanf:"timezone"`
}

// BackendConfig selects the storage backend.
type BackendConfig struct {
	Type string `koanf:"type" validate:"required,oneof=file postgres sqlite"`
}

// FileConfig configures the snapshot file backend.
type FileConfig struct {
	Dir string `koanf:"dir"`
}

// SQLiteConfig configures the embedded SQLite backend.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig configures the PostgreSQL backend.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// IDsConfig configures id generation.
type IDsConfig struct {
	// Scope is "pending" or "all"; see incidents.IDScope.
	Scope string `koanf:"scope" validate:"oneof=pending all"`
}

// MetricsConfig configures the metrics textfile dump.
type MetricsConfig struct {
	TextfilePath string `koanf:"textfile_path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Backend: BackendConfig{Type: BackendFile},
		File:    FileConfig{Dir: "data"},
		SQLite:  SQLiteConfig{Path: "incidents.db"},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		IDs:      IDsConfig{Scope: "pending"},
		Timezone: "Local",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration. Defaults are overridden by the YAML file at path
// (skipped when path is empty) and then by environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps INCIDENT_DESK_DATABASE__MAX_OPEN_CONNS to database.max_open_conns.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks field values and the settings the selected backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Backend.Type {
	case BackendFile:
		if c.File.Dir == "" {
			return fmt.Errorf("invalid config: file.dir is required for the file backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("invalid config: sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("invalid config: database.url is required for the postgres backend")
		}
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves Timezone. "Local" and "" mean the host timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
