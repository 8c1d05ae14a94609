package router

import (
	"bytes"
	"encoding/json"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/tagresolve"
)

// Request is an inbound message. Its tag and tagManager objects use the field
// names of outbound messages, so their addressing can be copied into a command.
// A whole outbound message is not a no-op: its payload.armed and
// tag.updateInterval are applied, and an interval of 0 fails validation.
type Request struct {
	Payload    Payload        `json:"payload"`
	Tag        *TagRef        `json:"tag,omitempty"`
	TagManager *TagManagerRef `json:"tagManager,omitempty"`
}

// Payload holds the requested actions. Fields are pointers so an explicit false
// is told apart from an absent field.
type Payload struct {
	Armed        *bool          `json:"armed,omitempty"`
	SensorConfig map[string]any `json:"sensorConfig,omitempty"`
	Tag          *TagProps      `json:"tag,omitempty"`
	Immediate    *bool          `json:"immediate,omitempty"`
	Sensor       string         `json:"sensor,omitempty"`
}

// UnmarshalJSON ignores payloads that are not objects, such as the timestamp
// of a bare trigger.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		*p = Payload{}
		return nil
	}
	type plain Payload
	var out plain
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*p = Payload(out)
	return nil
}

// TagRef selects a tag and may carry tag properties.
type TagRef struct {
	UUID           string `json:"uuid,omitempty"`
	SlaveID        *int   `json:"slaveId,omitempty"`
	UpdateInterval *int   `json:"updateInterval,omitempty"`
}

// TagProps are tag properties a message can change.
type TagProps struct {
	UpdateInterval *int `json:"updateInterval,omitempty"`
}

// TagManagerRef selects a tag manager.
type TagManagerRef struct {
	MAC string `json:"mac"`
}

// Decode validates data against the inbound schema and decodes it.
func Decode(v *Validator, data []byte) (*Request, error) {
	if v != nil {
		if err := v.Validate(data); err != nil {
			return nil, err
		}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapInvalid(err, "router", "Decode", "decode inbound message")
	}
	return &req, nil
}

// TagID returns the tag the message targets. A UUID wins over a slave id.
func (r *Request) TagID() tagresolve.TagID {
	if r.Tag == nil {
		return tagresolve.TagID{}
	}
	if r.Tag.UUID != "" {
		return tagresolve.ByUUID(r.Tag.UUID)
	}
	if r.Tag.SlaveID != nil {
		return tagresolve.BySlaveID(*r.Tag.SlaveID)
	}
	return tagresolve.TagID{}
}

// MAC returns the targeted tag manager, or "".
func (r *Request) MAC() string {
	if r.TagManager == nil {
		return ""
	}
	return r.TagManager.MAC
}

// UpdateInterval returns the requested interval. payload.tag takes precedence
// over the top-level tag when present.
func (r *Request) UpdateInterval() *int {
	if r.Payload.Tag != nil {
		return r.Payload.Tag.UpdateInterval
	}
	if r.Tag != nil {
		return r.Tag.UpdateInterval
	}
	return nil
}
