// Package outbound converts sensor state into the messages a node publishes.
package outbound

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/pkg/deepmerge"
)

// Payload carries the sensor reading.
type Payload struct {
	Sensor            string `json:"sensor"`
	Reading           any    `json:"reading"`
	EventState        string `json:"eventState"`
	Armed             bool   `json:"armed"`
	ProbeType         string `json:"probeType,omitempty"`
	ProbeDisconnected *bool  `json:"probeDisconnected,omitempty"`
}

// TagSummary identifies the tag a reading came from.
type TagSummary struct {
	Name           string `json:"name"`
	UUID           string `json:"uuid"`
	SlaveID        int    `json:"slaveId"`
	Alive          bool   `json:"alive"`
	UpdateInterval int    `json:"updateInterval"`
}

// TagManagerSummary identifies the tag manager of the tag.
type TagManagerSummary struct {
	Name   string `json:"name"`
	MAC    string `json:"mac"`
	Online bool   `json:"online"`
}

// Message is one outbound sensor message.
type Message struct {
	Topic        string            `json:"topic"`
	Payload      Payload           `json:"payload"`
	SensorConfig map[string]any    `json:"sensorConfig"`
	Tag          TagSummary        `json:"tag"`
	TagManager   TagManagerSummary `json:"tagManager"`
}

// Marshal encodes the message as JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Builder derives messages for one node. Topic is the configured topic; it is
// used verbatim unless empty or TopicIsPrefix is set, in which case
// "{mac}/{slaveId}/{sensorType}" is appended.
type Builder struct {
	Topic         string
	TopicIsPrefix bool
}

// DeriveTopic returns the topic for a sensor of sensorType on the given tag.
func (b Builder) DeriveTopic(mac string, slaveID int, sensorType string) string {
	if b.Topic != "" && !b.TopicIsPrefix {
		return b.Topic
	}
	return b.Topic + mac + "/" + strconv.Itoa(slaveID) + "/" + sensorType
}

// Build creates the message for sensor. It makes no remote calls.
func (b Builder) Build(sensor cloud.Sensor) (*Message, error) {
	tag := sensor.Tag()
	if tag == nil {
		return nil, fmt.Errorf("sensor %s has no tag", sensor.Type())
	}
	mgr := tag.Manager()
	if mgr == nil {
		return nil, fmt.Errorf("tag %s has no tag manager", tag.UUID())
	}

	msg := &Message{
		Topic: b.DeriveTopic(mgr.MAC(), tag.SlaveID(), sensor.Type()),
		Payload: Payload{
			Sensor:     sensor.Type(),
			Reading:    sensor.Reading(),
			EventState: sensor.EventState(),
			Armed:      sensor.IsArmed(),
		},
		Tag: TagSummary{
			Name:           tag.Name(),
			UUID:           tag.UUID(),
			SlaveID:        tag.SlaveID(),
			Alive:          tag.Alive(),
			UpdateInterval: tag.UpdateInterval(),
		},
		TagManager: TagManagerSummary{
			Name:   mgr.Name(),
			MAC:    mgr.MAC(),
			Online: mgr.Online(),
		},
	}
	if probeType, disconnected, ok := sensor.Probe(); ok {
		msg.Payload.ProbeType = probeType
		msg.Payload.ProbeDisconnected = &disconnected
	}
	if cfg, ok := deepmerge.Clone(sensor.MonitoringConfig()).(map[string]any); ok && cfg != nil {
		msg.SensorConfig = cfg
	} else {
		msg.SensorConfig = map[string]any{}
	}
	return msg, nil
}
