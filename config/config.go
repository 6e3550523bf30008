/*
Package config loads server configuration.

SOURCES (later wins):
  1. Built-in defaults (Default)
  2. YAML file (optional; a missing file is not an error)
  3. .env file (optional) and process environment:
       PORT, DATABASE_PATH, LOG_LEVEL, CATALOG_PATH
  4. Command-line flags, applied by cmd/server

EXAMPLE config.yaml:
  server:
    port: 8080
    cors_origins: ["https://property237.cm"]
  database:
    path: ./data/property237.db
  log:
    level: info
    pretty: false
  credits:
    welcome_bonus: "5.00"
  escrow:
    payment_window: 24h
    release_window: 0s
  scheduler:
    enabled: true
    interval: 1m
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/property237/credit-escrow/logger"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       logger.Config   `yaml:"log"`
	Credits   CreditsConfig   `yaml:"credits"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CreditsConfig struct {
	WelcomeBonus decimal.Decimal `yaml:"welcome_bonus"`
	// CatalogPath is a JSON catalog seeded on startup. Empty seeds the built-in default.
	CatalogPath string `yaml:"catalog_path"`
}

type EscrowConfig struct {
	PaymentWindow time.Duration `yaml:"payment_window"`
	// ReleaseWindow of zero disables auto-release unless an escrow sets its own deadline.
	ReleaseWindow time.Duration `yaml:"release_window"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "property237.db"},
		Log:      logger.Config{Level: "info"},
		Credits:  CreditsConfig{WelcomeBonus: decimal.RequireFromString("5.00")},
		Escrow:   EscrowConfig{PaymentWindow: 24 * time.Hour},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment. Both files are optional.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CATALOG_PATH"); v != "" {
		c.Credits.CatalogPath = v
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database path is required")
	case c.Credits.WelcomeBonus.IsNegative():
		return errors.New("welcome bonus cannot be negative")
	case c.Escrow.PaymentWindow <= 0:
		return errors.New("escrow payment window must be positive")
	case c.Escrow.ReleaseWindow < 0:
		return errors.New("escrow release window cannot be negative")
	case c.Scheduler.Enabled && c.Scheduler.Interval <= 0:
		return errors.New("scheduler interval must be positive")
	}
	return nil
}
