package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/tagstreams/errors"
)

const (
	maxConfigSize = 10 << 20
	maxJSONDepth  = 32
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "TAGSTREAMS"

// Loader handles configuration loading with defaults and overrides
type Loader struct {
	envPrefix  string
	validation bool
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validation: true,
		getenv:     os.Getenv,
	}
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file. Relative simulator paths
// are resolved against the file's directory.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "read "+path)
	}
	cfg, err := l.Load(data)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for id, cloud := range cfg.Clouds {
		if cloud.Simulator != "" && !filepath.IsAbs(cloud.Simulator) {
			if _, statErr := os.Stat(cloud.Simulator); statErr != nil {
				cloud.Simulator = filepath.Join(base, cloud.Simulator)
				cfg.Clouds[id] = cloud
			}
		}
	}
	return cfg, nil
}

// Load builds a configuration from raw JSON.
func (l *Loader) Load(data []byte) (*Config, error) {
	if err := validateJSONDepth(data); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "JSON structure check")
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "JSON parsing")
	}
	l.applyDefaults(cfg)
	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		HTTP: HTTPConfig{Port: 8080},
	}
}

// applyDefaults fills values the file zeroed out.
func (l *Loader) applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Clouds == nil {
		cfg.Clouds = make(map[string]CloudConfig)
	}
	if cfg.Components == nil {
		cfg.Components = make(ComponentConfigs)
	}
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := l.getenv(l.envPrefix + "_PLATFORM_ID"); val != "" {
		cfg.Platform.ID = val
	}
	if val := l.getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		var urls []string
		for _, u := range strings.Split(val, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.NATS.URLs = urls
	}

	for id, cloud := range cfg.Clouds {
		key := l.envPrefix + "_CLOUD_" + envKey(id)
		if val := l.getenv(key + "_USERNAME"); val != "" {
			cloud.Username = val
		}
		if val := l.getenv(key + "_PASSWORD"); val != "" {
			cloud.Password = val
		}
		cfg.Clouds[id] = cloud
	}
}

// envKey upper-cases id and replaces everything outside A-Z and 0-9 by '_'.
func envKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		default:
			return '_'
		}
	}, id)
}

func safeReadFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", clean)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(clean)
}

// validateJSONDepth rejects deeply nested documents before they are decoded.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false

	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
