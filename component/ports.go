package component

// PortDefinition represents a port configuration from JSON
type PortDefinition struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`    // nats, kvwrite, mqtt
	Subject     string `json:"subject,omitempty"` // NATS subject, KV bucket or MQTT topic
	Broker      string `json:"broker,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// PortConfig represents port configuration in component config
type PortConfig struct {
	Inputs  []PortDefinition `json:"inputs,omitempty"`
	Outputs []PortDefinition `json:"outputs,omitempty"`
}

// MergePortConfigs merges default ports with configured overrides. Overrides
// replace defaults of the same name; unmatched overrides are appended in order.
func MergePortConfigs(defaults []Port, overrides []PortDefinition, direction Direction) []Port {
	result := make([]Port, 0, len(defaults)+len(overrides))
	overrideMap := make(map[string]PortDefinition, len(overrides))
	for _, override := range overrides {
		overrideMap[override.Name] = override
	}

	for _, defaultPort := range defaults {
		if override, found := overrideMap[defaultPort.Name]; found {
			result = append(result, BuildPortFromDefinition(override, direction))
			delete(overrideMap, defaultPort.Name)
		} else {
			result = append(result, defaultPort)
		}
	}

	for _, override := range overrides {
		if _, pending := overrideMap[override.Name]; pending {
			result = append(result, BuildPortFromDefinition(override, direction))
			delete(overrideMap, override.Name)
		}
	}

	return result
}

// BuildPortFromDefinition creates a Port from a PortDefinition
func BuildPortFromDefinition(def PortDefinition, direction Direction) Port {
	port := Port{
		Name:        def.Name,
		Direction:   direction,
		Required:    def.Required,
		Description: def.Description,
	}

	switch def.Type {
	case "kvwrite", "kv-write":
		port.Config = KVWritePort{Bucket: def.Subject}
	case "mqtt":
		port.Config = MQTTPort{Broker: def.Broker, Topic: def.Subject}
	default:
		port.Config = NATSPort{Subject: def.Subject}
	}

	return port
}

// FindPort returns the port named name, if any.
func FindPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// SubjectOf returns the NATS subject of the named port, or "".
func SubjectOf(ports []Port, name string) string {
	p, ok := FindPort(ports, name)
	if !ok {
		return ""
	}
	if n, ok := p.Config.(NATSPort); ok {
		return n.Subject
	}
	return ""
}
