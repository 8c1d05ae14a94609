// Package wirelesstag provides the sensor node component: it binds to a cloud
// session, publishes sensor readings to NATS and applies inbound messages to
// sensors and tags.
package wirelesstag

import (
	"fmt"
	"regexp"

	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/tagresolve"
)

// Port names
const (
	PortSensorData = "sensor_data"
	PortCommands   = "commands"
)

// DefaultDataSubject is where readings are published unless ports say otherwise.
const DefaultDataSubject = "tagstreams.wirelesstag.data"

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2,16}$`)

// Config holds configuration for a sensor node
type Config struct {
	// Cloud is the configured cloud id. A node without one stays in no-config.
	Cloud string `json:"cloud,omitempty"`

	// TagManager is the MAC of the tag manager owning Tag.
	TagManager string `json:"tag_manager,omitempty"`

	// Tag fixes the node to one tag, by UUID (string) or slave id (number).
	Tag tagresolve.TagID `json:"tag,omitempty"`

	// Sensor restricts readings and inbound targeting to these sensor types.
	Sensor []string `json:"sensor,omitempty"`

	AutoDiscover bool `json:"auto_discover"`
	AutoUpdate   bool `json:"auto_update"`

	Topic         string `json:"topic,omitempty"`
	TopicIsPrefix bool   `json:"topic_is_prefix"`

	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns the defaults of the wirelesstag factory.
func DefaultConfig() Config {
	return Config{AutoUpdate: true}
}

// DefaultDiscoveryConfig returns the defaults of the wirelesstag-all factory.
func DefaultDiscoveryConfig() Config {
	return Config{AutoDiscover: true}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Tag.IsZero() && c.TagManager == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: tag %s needs tag_manager", errors.ErrMissingConfig, c.Tag),
			"Config", "Validate", "tag manager check")
	}
	if c.TagManager != "" && !macPattern.MatchString(c.TagManager) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: tag_manager %q is not a MAC", errors.ErrInvalidConfig, c.TagManager),
			"Config", "Validate", "tag manager check")
	}
	if c.Tag.SlaveID != nil && *c.Tag.SlaveID < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative slave id %d", errors.ErrInvalidConfig, *c.Tag.SlaveID),
			"Config", "Validate", "tag check")
	}
	for _, s := range c.Sensor {
		if s == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: empty sensor type", errors.ErrInvalidConfig),
				"Config", "Validate", "sensor check")
		}
	}
	return nil
}

// forDiscovery forces discovery on and drops auto-update, which a discovery node
// does not support.
func (c Config) forDiscovery() Config {
	c.AutoDiscover = true
	c.AutoUpdate = false
	return c
}

var nodeSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"cloud": {
			Type:        "string",
			Description: "Configured cloud id",
			Category:    "basic",
		},
		"tag_manager": {
			Type:        "string",
			Description: "MAC of the tag manager",
			Category:    "basic",
		},
		"tag": {
			Type:        "string",
			Description: "Tag UUID (string) or slave id (number); empty takes the tag from each inbound message",
			Category:    "basic",
		},
		"sensor": {
			Type:        "array",
			Description: "Sensor types to report, empty for all",
			Category:    "basic",
		},
		"auto_discover": {
			Type:        "bool",
			Description: "Report every tag the session polls",
			Default:     false,
			Category:    "advanced",
		},
		"auto_update": {
			Type:        "bool",
			Description: "Add the tag to the shared poll loop",
			Default:     true,
			Category:    "advanced",
		},
		"topic": {
			Type:        "string",
			Description: "Outbound topic, derived from MAC, slave id and sensor type when empty",
			Category:    "basic",
		},
		"topic_is_prefix": {
			Type:        "bool",
			Description: "Append the derived topic to topic",
			Default:     false,
			Category:    "advanced",
		},
		"ports": {
			Type:        "ports",
			Description: "NATS subjects for readings and commands",
			Category:    "advanced",
		},
	},
}

var discoverySchema = func() component.ConfigSchema {
	props := make(map[string]component.PropertySchema, len(nodeSchema.Properties))
	for k, v := range nodeSchema.Properties {
		if k == "auto_update" || k == "auto_discover" {
			continue
		}
		props[k] = v
	}
	return component.ConfigSchema{Properties: props}
}()
