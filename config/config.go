// Package config loads the tagstreams configuration file.
//
// Loading starts from defaults, overlays the JSON file, then applies
// environment overrides:
//
//	TAGSTREAMS_PLATFORM_ID
//	TAGSTREAMS_NATS_URLS              comma separated
//	TAGSTREAMS_CLOUD_<ID>_USERNAME
//	TAGSTREAMS_CLOUD_<ID>_PASSWORD
//
// where <ID> is the cloud id upper-cased with every character outside A-Z and
// 0-9 replaced by an underscore.
package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
	"unicode"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/pkg/security"
	"github.com/c360/tagstreams/types"
)

// ComponentConfigs holds component instance configurations keyed by instance name.
type ComponentConfigs map[string]types.ComponentConfig

// Config represents the complete application configuration
type Config struct {
	Platform   PlatformConfig         `json:"platform"`
	NATS       NATSConfig             `json:"nats"`
	Metrics    MetricsConfig          `json:"metrics"`
	HTTP       HTTPConfig             `json:"http"`
	Clouds     map[string]CloudConfig `json:"clouds"`
	Components ComponentConfigs       `json:"components"`
}

// PlatformConfig identifies this deployment.
type PlatformConfig struct {
	ID string `json:"id"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	StatusBucket  string   `json:"status_bucket,omitempty"` // KV bucket for node status, empty disables
	StatusTTL     Duration `json:"status_ttl,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// HTTPConfig configures the HTTP server that gateway components register on.
type HTTPConfig struct {
	Port int                      `json:"port"` // 0 disables the server
	TLS  security.ServerTLSConfig `json:"tls,omitempty"`
}

// CloudConfig configures one cloud session.
type CloudConfig struct {
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	PollInterval Duration `json:"poll_interval,omitempty"`
	// Simulator is a YAML fixture served by the in-memory platform.
	Simulator string `json:"simulator,omitempty"`
}

// CloudIDs returns the configured cloud ids, sorted.
func (c *Config) CloudIDs() []string {
	ids := make([]string, 0, len(c.Clouds))
	for id := range c.Clouds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "platform.id is required")
	}
	if !isValidSubjectPart(c.Platform.ID) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: platform.id %q must be alphanumeric with dots, dashes, underscores",
				errors.ErrInvalidConfig, c.Platform.ID),
			"Config", "Validate", "platform id check")
	}

	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.urls is required")
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}
	if c.HTTP.Port != 0 {
		if err := validatePort("http.port", c.HTTP.Port); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && c.HTTP.Port != 0 && c.Metrics.Port == c.HTTP.Port {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics.port and http.port are both %d", errors.ErrInvalidConfig, c.HTTP.Port),
			"Config", "Validate", "port conflict check")
	}

	for id, cloud := range c.Clouds {
		if !isValidSubjectPart(id) {
			return errors.WrapInvalid(fmt.Errorf("%w: cloud id %q", errors.ErrInvalidConfig, id),
				"Config", "Validate", "cloud id check")
		}
		if cloud.PollInterval.Duration() < 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: clouds.%s.poll_interval is negative", errors.ErrInvalidConfig, id),
				"Config", "Validate", "poll interval check")
		}
	}

	for instanceName, component := range c.Components {
		if instanceName == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"component instance name cannot be empty")
		}
		if err := component.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", instanceName, err)
		}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s %d out of range", errors.ErrInvalidConfig, field, port),
			"Config", "Validate", "port range check")
	}
	return nil
}

func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.NATS.Password = mask(masked.NATS.Password)
	masked.Clouds = make(map[string]CloudConfig, len(c.Clouds))
	for id, cloud := range c.Clouds {
		cloud.Password = mask(cloud.Password)
		masked.Clouds[id] = cloud
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// Duration is a time.Duration that reads from a duration string such as
// "30s" or from a number of nanoseconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
