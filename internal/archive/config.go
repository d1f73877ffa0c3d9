package archive

import (
	"fmt"
	"time"

	"github.com/ehrmetrics/userprops-etl/internal/config"
)

// Credentials is one HTTP Basic auth pair for a source tag.
type Credentials struct {
	ClientID  string
	SecretKey string
}

// Config holds the archive reader's runtime settings, loaded from the
// environment the way warehouse.Config and etl.Config are.
type Config struct {
	BaseURL        string
	WebCreds       Credentials
	MobileCreds    Credentials
	RequestTimeout time.Duration
	// DaysPerSecond paces the outbound per-day fetch loop via
	// golang.org/x/time/rate; 0 disables pacing.
	DaysPerSecond float64
}

// LoadConfig reads archive configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BaseURL: config.GetEnvStr("AMPLITUDE_BASE_URL", "https://amplitude.com/api/2/export"),
		WebCreds: Credentials{
			ClientID:  config.GetEnvStr("AMPLITUDE_WEB_CLIENT_ID", ""),
			SecretKey: config.GetEnvStr("AMPLITUDE_WEB_SECRET_KEY", ""),
		},
		MobileCreds: Credentials{
			ClientID:  config.GetEnvStr("AMPLITUDE_MOBILE_CLIENT_ID", ""),
			SecretKey: config.GetEnvStr("AMPLITUDE_MOBILE_SECRET_KEY", ""),
		},
		RequestTimeout: config.GetEnvDuration("AMPLITUDE_REQUEST_TIMEOUT", 2000*time.Second),
		DaysPerSecond:  float64(config.GetEnvInt("AMPLITUDE_DAYS_PER_SECOND", 1)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("archive: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: AMPLITUDE_BASE_URL", ErrMissingConfig)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: AMPLITUDE_REQUEST_TIMEOUT must be positive", ErrMissingConfig)
	}

	return nil
}

// CredentialsFor returns the credential pair for a source tag.
func (c *Config) CredentialsFor(tag SourceTag) (Credentials, error) {
	switch tag {
	case Web:
		return c.WebCreds, nil
	case Mobile:
		return c.MobileCreds, nil
	default:
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownSourceTag, tag)
	}
}
