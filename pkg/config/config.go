// Package config loads the service configuration from an optional JSON file
// with environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the service needs to start.
type Config struct {
	// Port is the HTTP listen port.
	Port int `json:"port"`

	// DatabasePath is the sqlite database file.
	DatabasePath string `json:"database_path"`

	// SessionSecret signs nothing directly but derives the credential
	// sealing key; it must be at least 32 bytes and stay stable across
	// restarts or stored OLT passwords become unreadable.
	SessionSecret string `json:"session_secret"`

	// RefreshInterval is the periodic inventory refresh cadence.
	RefreshInterval time.Duration `json:"-"`

	// SuperAdminUsername/Password bootstrap the first account.
	SuperAdminUsername string `json:"super_admin_username"`
	SuperAdminPassword string `json:"super_admin_password"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `json:"log_level"`

	// RefreshIntervalRaw is the JSON/env form, e.g. "60m".
	RefreshIntervalRaw string `json:"refresh_interval"`
}

// Defaults applied before file and environment values.
const (
	DefaultPort            = 5000
	DefaultDatabasePath    = "olt-manager.db"
	DefaultRefreshInterval = 60 * time.Minute
	DefaultSuperAdmin      = "superadmin"
)

// Load builds the configuration: defaults, then the JSON file at path (if
// path is non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:               DefaultPort,
		DatabasePath:       DefaultDatabasePath,
		RefreshInterval:    DefaultRefreshInterval,
		SuperAdminUsername: DefaultSuperAdmin,
		LogLevel:           "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.RefreshIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.RefreshIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("parse refresh interval %q: %w", cfg.RefreshIntervalRaw, err)
		}
		cfg.RefreshInterval = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("OLT_REFRESH_INTERVAL"); v != "" {
		cfg.RefreshIntervalRaw = v
	}
	if v := os.Getenv("SUPER_ADMIN_USERNAME"); v != "" {
		cfg.SuperAdminUsername = v
	}
	if v := os.Getenv("SUPER_ADMIN_PASSWORD"); v != "" {
		cfg.SuperAdminPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c *Config) validate() error {
	if len(c.SessionSecret) < 32 {
		return errors.New("SESSION_SECRET must be set and at least 32 characters")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh interval %s too short, minimum 1m", c.RefreshInterval)
	}
	if c.SuperAdminPassword == "" {
		return errors.New("SUPER_ADMIN_PASSWORD must be set to bootstrap the first account")
	}
	return nil
}
