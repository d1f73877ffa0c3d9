// Package etl implements the orchestrator that drives a single end-to-end
// processing run, archive or staging, and the change detector its flush
// procedure depends on.
package etl

import (
	"fmt"

	"github.com/ehrmetrics/userprops-etl/internal/config"
)

// Config holds the orchestrator's own tunables, kept separate from the
// warehouse's and archive reader's configs, one loader per concern.
type Config struct {
	BatchSize int
}

// LoadConfig reads orchestrator configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BatchSize: config.GetEnvInt("ETL_BATCH_SIZE", 500),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("etl: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: ETL_BATCH_SIZE must be positive", ErrMissingConfig)
	}

	return nil
}
