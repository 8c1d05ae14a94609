// Package types contains shared configuration types used by the config and
// component packages.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/c360/tagstreams/errors"
)

// ComponentType represents the category of a component
type ComponentType string

// Component type constants
const (
	ComponentTypeInput   ComponentType = "input"
	ComponentTypeOutput  ComponentType = "output"
	ComponentTypeGateway ComponentType = "gateway"
)

// ComponentConfig configures one component instance. The instance name is the
// key of the entry in the components map.
type ComponentConfig struct {
	Type    ComponentType   `json:"type"`    // input, output or gateway
	Name    string          `json:"name"`    // factory name, e.g. "wirelesstag"
	Enabled bool            `json:"enabled"` // disabled entries are skipped
	Config  json.RawMessage `json:"config"`  // factory-specific configuration
}

// Validate ensures the component configuration is valid
func (c ComponentConfig) Validate() error {
	if c.Type == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component type cannot be empty")
	}
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component factory name cannot be empty")
	}

	switch c.Type {
	case ComponentTypeInput, ComponentTypeOutput, ComponentTypeGateway:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentConfig", "Validate",
			fmt.Sprintf("invalid component type: %s", c.Type))
	}
}

// String implements fmt.Stringer for ComponentType
func (ct ComponentType) String() string {
	return string(ct)
}
