package component

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/types"
)

// Info holds metadata about an available component type
type Info struct {
	Type        string `json:"type"`
	Protocol    string `json:"protocol"`
	Domain      string `json:"domain"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Factory creates a component instance from its raw configuration. Factories
// parse and validate config only; all IO belongs in Start.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Discoverable, error)

// Registration holds factory and metadata for a component type
type Registration struct {
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Protocol    string       `json:"protocol"`
	Domain      string       `json:"domain"`
	Description string       `json:"description"`
	Version     string       `json:"version"`
	Schema      ConfigSchema `json:"schema"`
	Factory     Factory      `json:"-"`
}

// RegistrationConfig is the argument of RegisterWithConfig.
type RegistrationConfig struct {
	Name        string
	Factory     Factory
	Schema      ConfigSchema
	Type        string // "input", "output", "gateway"
	Protocol    string
	Domain      string
	Description string
	Version     string
}

// Registry manages component factories and instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Registration
	instances map[string]Discoverable
	resources map[string]string // exclusive resource id -> instance name
}

// NewRegistry creates a new empty component registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Registration),
		instances: make(map[string]Discoverable),
		resources: make(map[string]string),
	}
}

// RegisterFactory registers a component factory with the given name
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	}
	if registration == nil || registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}
	if registration.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "component type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("factory '%s' is already registered", name),
			"Registry", "RegisterFactory", "duplicate factory check")
	}
	r.factories[name] = registration
	return nil
}

// RegisterWithConfig registers a factory described by config.
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	return r.RegisterFactory(config.Name, &Registration{
		Name:        config.Name,
		Type:        config.Type,
		Protocol:    config.Protocol,
		Domain:      config.Domain,
		Description: config.Description,
		Version:     config.Version,
		Schema:      config.Schema,
		Factory:     config.Factory,
	})
}

// CreateComponent creates the instance instanceName from config and registers it.
func (r *Registry) CreateComponent(
	instanceName string, config types.ComponentConfig, deps Dependencies,
) (Discoverable, error) {
	if err := ValidateComponentName(instanceName); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance name validation")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "component config validation")
	}
	if err := ValidateFactoryConfig(config.Config); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "config security validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[config.Name]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown component factory '%s'", config.Name),
			"Registry", "CreateComponent", "factory lookup")
	}
	if registration.Type != string(config.Type) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component '%s' is type '%s', not '%s'", config.Name, registration.Type, config.Type),
			"Registry", "CreateComponent", "type validation")
	}

	if deps.Logger != nil {
		deps.Logger = deps.Logger.With("instance", instanceName)
	}
	deps.InstanceName = instanceName
	component, err := registration.Factory(config.Config, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory execution")
	}

	if err := r.RegisterInstance(instanceName, component); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance registration")
	}
	return component, nil
}

// RegisterInstance registers a component instance with the given name.
// Instances holding an exclusive port already held by another instance are rejected.
func (r *Registry) RegisterInstance(name string, component Discoverable) error {
	if name == "" || component == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "instance validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("instance '%s' is already registered", name),
			"Registry", "RegisterInstance", "duplicate instance check")
	}

	exclusive := exclusiveResources(component)
	for _, id := range exclusive {
		if owner, taken := r.resources[id]; taken {
			return errors.WrapInvalid(fmt.Errorf("resource %s already used by '%s'", id, owner),
				"Registry", "RegisterInstance", "resource conflict check")
		}
	}
	for _, id := range exclusive {
		r.resources[id] = name
	}
	r.instances[name] = component
	return nil
}

// UnregisterInstance removes the instance and releases its resources.
func (r *Registry) UnregisterInstance(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
	for id, owner := range r.resources {
		if owner == name {
			delete(r.resources, id)
		}
	}
}

func exclusiveResources(component Discoverable) []string {
	var ids []string
	for _, p := range append(component.InputPorts(), component.OutputPorts()...) {
		if p.Config != nil && p.Config.IsExclusive() {
			ids = append(ids, p.Config.ResourceID())
		}
	}
	return ids
}

// Component returns the named instance or nil.
func (r *Registry) Component(name string) Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// ListComponents returns a copy of all registered instances.
func (r *Registry) ListComponents() map[string]Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.instances)
}

// ListFactories returns a copy of all registrations.
func (r *Registry) ListFactories() map[string]*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.factories)
}

// ListComponentTypes returns the registered factory names, sorted.
func (r *Registry) ListComponentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// ListAvailable describes every registered factory.
func (r *Registry) ListAvailable() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Info, len(r.factories))
	for name, reg := range r.factories {
		out[name] = Info{
			Type:        reg.Type,
			Protocol:    reg.Protocol,
			Domain:      reg.Domain,
			Description: reg.Description,
			Version:     reg.Version,
		}
	}
	return out
}
