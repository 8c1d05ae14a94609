package gateway

import (
	"fmt"
	"time"

	"github.com/c360/tagstreams/errors"
)

// Config holds configuration for gateway components
type Config struct {
	// EnableCORS enables CORS headers (default: false, requires explicit cors_origins)
	EnableCORS bool `json:"enable_cors"`

	// CORSOrigins lists allowed CORS origins (required when EnableCORS is true).
	// Use ["*"] for development only.
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// TimeoutStr bounds each request's calls to the cloud (default: "10s")
	TimeoutStr string `json:"timeout,omitempty"`

	timeout time.Duration
}

// Validate ensures the gateway configuration is valid
func (c *Config) Validate() error {
	if c.TimeoutStr == "" {
		c.timeout = 10 * time.Second
	} else {
		parsed, err := time.ParseDuration(c.TimeoutStr)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid timeout format: %s", c.TimeoutStr))
		}
		c.timeout = parsed
	}

	// 100ms to 60s
	if c.timeout < 100*time.Millisecond || c.timeout > 60*time.Second {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 100ms and 60s")
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}

	return nil
}

// Timeout returns the parsed request timeout. Valid after Validate.
func (c *Config) Timeout() time.Duration {
	if c.timeout == 0 {
		return 10 * time.Second
	}
	return c.timeout
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		EnableCORS:  false,
		CORSOrigins: []string{},
		TimeoutStr:  "10s",
		timeout:     10 * time.Second,
	}
}
