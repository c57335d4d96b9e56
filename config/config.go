// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/history-engine/store/sqlstore"
)

// Config is the top-level service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
}

// ServerConfig holds the HTTP listener settings. CORSOrigins is the
// cross-origin allow-list for dashboards; empty means the api package
// defaults.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ShutdownSeconds int      `yaml:"shutdown_seconds"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// StoreConfig selects the database backend. Driver is "sqlite3" or
// "postgres"; Path applies to SQLite, the connection fields to PostgreSQL.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Default returns the configuration used when no file is given: an embedded
// SQLite database next to the binary.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, ShutdownSeconds: 10},
		Store:  StoreConfig{Driver: string(sqlstore.DriverSQLite), Path: "history.db"},
	}
}

// Load reads and validates a YAML configuration file. Missing fields fall
// back to the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch sqlstore.Driver(c.Store.Driver) {
	case sqlstore.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite3 driver requires store.path")
		}
	case sqlstore.DriverPostgres:
		if c.Store.Host == "" || c.Store.Database == "" {
			return fmt.Errorf("postgres driver requires store.host and store.database")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// ShutdownTimeout returns the graceful-shutdown window as a Duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

// DSN builds the driver connection string.
func (s *StoreConfig) DSN() string {
	if sqlstore.Driver(s.Driver) == sqlstore.DriverSQLite {
		return s.Path
	}
	sslmode := s.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.Host, s.Port, s.Database, s.User, s.Password, sslmode,
	)
}

// OpenStore opens the configured database.
func (s *StoreConfig) OpenStore() (*sqlstore.DB, error) {
	return sqlstore.Open(sqlstore.Driver(s.Driver), s.DSN())
}
