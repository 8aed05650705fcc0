// Package config loads the process configuration: a JSON5 file overlaid with
// environment variables. Secrets (the gateway token, the postgres DSN) come
// from the environment only and are never written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Database backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// GatewayConfig configures the user-facing WebSocket gateway.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // env only, never persisted
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// RuntimeConfig tunes the mesh runtime.
type RuntimeConfig struct {
	// Workers is the worker pool size. Meshes are pinned round-robin.
	Workers int `json:"workers"`
	// Workspace is the root directory under which node workspaces live.
	Workspace string `json:"workspace"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Backend     string `json:"backend"`
	SQLitePath  string `json:"sqlite_path"`
	PostgresDSN string `json:"-"` // env only, never persisted
}

// Config is the root configuration object.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Database DatabaseConfig `json:"database"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Runtime: RuntimeConfig{
			Workers:   4,
			Workspace: "~/.mosaic/workspace",
		},
		Database: DatabaseConfig{
			Backend:    BackendSQLite,
			SQLitePath: "~/.mosaic/mosaic.db",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MOSAIC_HOST", &c.Gateway.Host)
	if v := os.Getenv("MOSAIC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("MOSAIC_GATEWAY_TOKEN", &c.Gateway.Token)

	if v := os.Getenv("MOSAIC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Runtime.Workers = n
		}
	}
	envStr("MOSAIC_WORKSPACE", &c.Runtime.Workspace)

	envStr("MOSAIC_DB_BACKEND", &c.Database.Backend)
	envStr("MOSAIC_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("MOSAIC_POSTGRES_DSN", &c.Database.PostgresDSN)

	// A DSN in the environment implies the postgres backend.
	if c.Database.PostgresDSN != "" && os.Getenv("MOSAIC_DB_BACKEND") == "" {
		c.Database.Backend = BackendPostgres
	}
}

func (c *Config) validate() error {
	switch c.Database.Backend {
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("MOSAIC_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Runtime.Workers <= 0 {
		return fmt.Errorf("runtime.workers must be positive")
	}
	return nil
}

// Save writes the config to a JSON file. Secret fields are excluded by their
// struct tags.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Runtime.Workspace)
}

// SQLitePath returns the expanded sqlite database path.
func (c *Config) SQLitePath() string {
	return ExpandHome(c.Database.SQLitePath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
