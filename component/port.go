package component

import (
	"encoding/json"
	"fmt"

	"github.com/c360/tagstreams/errors"
)

// Direction for data flow
type Direction string

// Direction constants for port data flow
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port describes any I/O interface
type Port struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
	Config      Portable  `json:"config"`
}

// Portable is the transport-specific part of a port.
type Portable interface {
	ResourceID() string // Unique identifier for conflict detection
	IsExclusive() bool  // Whether multiple components can share
	Type() string       // Port type identifier
}

// MarshalJSON writes the port config together with its type.
func (p Port) MarshalJSON() ([]byte, error) {
	type PortAlias Port

	wrapper := struct {
		PortAlias
		Config json.RawMessage `json:"config,omitempty"`
	}{
		PortAlias: (PortAlias)(p),
	}

	if p.Config != nil {
		configBytes, err := json.Marshal(struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{
			Type: p.Config.Type(),
			Data: p.Config,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Port", "MarshalJSON", "config marshaling")
		}
		wrapper.Config = configBytes
	}

	return json.Marshal(wrapper)
}

// NATSPort - NATS pub/sub
type NATSPort struct {
	Subject string `json:"subject"`
	Queue   string `json:"queue,omitempty"`
}

// ResourceID returns unique identifier for NATS ports
func (n NATSPort) ResourceID() string {
	return fmt.Sprintf("nats:%s", n.Subject)
}

// IsExclusive returns false as multiple components can subscribe
func (n NATSPort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (n NATSPort) Type() string {
	return "nats"
}

// KVWritePort - NATS KV bucket written by the component
type KVWritePort struct {
	Bucket string `json:"bucket"`
}

// ResourceID returns unique identifier for KV write ports
func (k KVWritePort) ResourceID() string {
	return fmt.Sprintf("kvwrite:%s", k.Bucket)
}

// IsExclusive returns false as multiple writers are allowed
func (k KVWritePort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (k KVWritePort) Type() string {
	return "kvwrite"
}

// NetworkPort - TCP/UDP network bindings
type NetworkPort struct {
	Protocol string `json:"protocol"` // "tcp", "udp"
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// ResourceID returns unique identifier for network ports
func (n NetworkPort) ResourceID() string {
	return fmt.Sprintf("%s:%s:%d", n.Protocol, n.Host, n.Port)
}

// IsExclusive returns true as network ports are exclusive
func (n NetworkPort) IsExclusive() bool {
	return true
}

// Type returns the port type identifier
func (n NetworkPort) Type() string {
	return "network"
}

// MQTTPort - MQTT broker publication
type MQTTPort struct {
	Broker string `json:"broker"`
	Topic  string `json:"topic,omitempty"` // empty: topic taken from each message
}

// ResourceID returns unique identifier for MQTT ports
func (m MQTTPort) ResourceID() string {
	return fmt.Sprintf("mqtt:%s/%s", m.Broker, m.Topic)
}

// IsExclusive returns false as brokers accept many publishers
func (m MQTTPort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (m MQTTPort) Type() string {
	return "mqtt"
}
