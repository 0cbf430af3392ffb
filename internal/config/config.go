// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverPostgREST = "postgrest"
)

// Config is the full service configuration.
type Config struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	StoreDriver  string        `env:"STORE_DRIVER" envDefault:"postgres"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	CORSOrigin   string        `env:"CORS_ORIGIN" envDefault:"*"`

	Log       Log
	Postgres  Postgres
	SQLite    SQLite
	PostgREST PostgREST
}

// Log controls logrus output.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Postgres holds PostgreSQL connection settings.
type Postgres struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"careerday"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MaxConns       int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	ConnectRetries uint64 `env:"DB_CONNECT_RETRIES" envDefault:"5"`
}

// DSN builds a libpq-compatible connection string.
func (c Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// SQLite holds the database file location.
type SQLite struct {
	Path string `env:"SQLITE_PATH" envDefault:"careerday.db"`
}

// PostgREST points at a hosted backend (e.g. Supabase) exposing the schema
// over PostgREST.
type PostgREST struct {
	URL    string `env:"POSTGREST_URL"`
	APIKey string `env:"POSTGREST_KEY"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite:
	case DriverPostgREST:
		if c.PostgREST.URL == "" {
			return fmt.Errorf("POSTGREST_URL is required for the %s driver", DriverPostgREST)
		}
		if _, err := url.ParseRequestURI(c.PostgREST.URL); err != nil {
			return fmt.Errorf("POSTGREST_URL: %w", err)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}
