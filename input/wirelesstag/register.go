package wirelesstag

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
)

// CreateNode is the factory of the wirelesstag component.
func CreateNode(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "wirelesstag-factory", "create", "config parsing")
	}
	return NewNode(instanceName(deps, "wirelesstag"), cfg, false, deps)
}

// CreateDiscoveryNode is the factory of the wirelesstag-all component.
func CreateDiscoveryNode(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultDiscoveryConfig()
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "wirelesstag-all-factory", "create", "config parsing")
	}
	return NewNode(instanceName(deps, "wirelesstag-all"), cfg.forDiscovery(), true, deps)
}

// instanceName falls back to a unique name for nodes created outside a registry.
func instanceName(deps component.Dependencies, kind string) string {
	if deps.InstanceName != "" {
		return deps.InstanceName
	}
	return kind + "-" + uuid.NewString()[:8]
}

// Register registers both sensor node factories with the registry
func Register(registry *component.Registry) error {
	if err := registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "wirelesstag",
		Factory:     CreateNode,
		Schema:      nodeSchema,
		Type:        "input",
		Protocol:    "wirelesstag",
		Domain:      "sensors",
		Description: "Wireless Tag sensor node bound to one tag or to inbound targets",
		Version:     "1.0.0",
	}); err != nil {
		return err
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "wirelesstag-all",
		Factory:     CreateDiscoveryNode,
		Schema:      discoverySchema,
		Type:        "input",
		Protocol:    "wirelesstag",
		Domain:      "sensors",
		Description: "Wireless Tag sensor node reporting every tag of a cloud",
		Version:     "1.0.0",
	})
}
