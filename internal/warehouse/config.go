// Package warehouse implements the pooled-connection repository that
// persists transformed user-property projections: dynamically chunked
// multi-row inserts, conflict handling, RETURNING, and the specialized
// reads the orchestrator needs (latest-per-partition, existence sets).
package warehouse

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ehrmetrics/userprops-etl/internal/config"
)

// Config holds the warehouse connection and batching parameters.
type Config struct {
	databaseURL string

	MinConns int
	MaxConns int

	MaxParamsPerQuery int
	MaxRowsPerInsert  int
	SafetyFactor      float64

	ConnMaxLifetime time.Duration
}

// LoadConfig reads warehouse configuration from the environment, mirroring
// the getter-based pattern used throughout this repository's config
// loaders.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		databaseURL:       config.GetEnvStr("DATABASE_URL", ""),
		MinConns:          config.GetEnvInt("DB_MIN_CONNS", 2),
		MaxConns:          config.GetEnvInt("DB_MAX_CONNS", 10),
		MaxParamsPerQuery: config.GetEnvInt("DB_MAX_PARAMS_PER_QUERY", 65535),
		MaxRowsPerInsert:  config.GetEnvInt("DB_MAX_ROWS_PER_INSERT", 1000),
		SafetyFactor:      0.9,
		ConnMaxLifetime:   config.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}

	if v := config.GetEnvStr("DB_SAFETY_FACTOR", ""); v != "" {
		if parsed, err := parseFloat(v); err == nil {
			cfg.SafetyFactor = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("warehouse: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.databaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingConfig)
	}

	if c.MinConns <= 0 || c.MaxConns <= 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("%w: DB_MIN_CONNS/DB_MAX_CONNS", ErrMissingConfig)
	}

	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("%w: DB_SAFETY_FACTOR must be in (0,1]", ErrMissingConfig)
	}

	if c.MaxParamsPerQuery <= 0 || c.MaxRowsPerInsert <= 0 {
		return fmt.Errorf("%w: DB_MAX_PARAMS_PER_QUERY/DB_MAX_ROWS_PER_INSERT", ErrMissingConfig)
	}

	return nil
}

// DatabaseURL returns the raw connection string. The field is unexported,
// so code outside the package reads it only through this accessor; fmt's
// %v still prints it when a Config value is formatted, so log
// MaskDatabaseURL instead.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// MaskDatabaseURL returns the connection string with any password
// replaced by "***", safe for logging.
func (c *Config) MaskDatabaseURL() string {
	u, err := url.Parse(c.databaseURL)
	if err != nil {
		return c.databaseURL
	}

	if u.User == nil {
		return c.databaseURL
	}

	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "***")

		return strings.Replace(u.String(), "%2A%2A%2A", "***", 1)
	}

	return c.databaseURL
}

func parseFloat(s string) (float64, error) {
	var f float64

	_, err := fmt.Sscanf(s, "%g", &f)

	return f, err
}
