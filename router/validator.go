package router

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/tagstreams/errors"
)

// inboundSchema constrains the fields the router acts on. Anything else in the
// message is ignored.
const inboundSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "payload": {
      "properties": {
        "armed": {"type": "boolean"},
        "sensorConfig": {"type": "object"},
        "immediate": {"type": "boolean"},
        "sensor": {"type": "string"},
        "tag": {
          "type": "object",
          "properties": {"updateInterval": {"type": "integer", "minimum": 1}}
        }
      }
    },
    "tag": {
      "type": "object",
      "properties": {
        "uuid": {"type": "string"},
        "slaveId": {"type": "integer", "minimum": 0},
        "updateInterval": {"type": "integer", "minimum": 1}
      }
    },
    "tagManager": {
      "type": "object",
      "properties": {"mac": {"type": "string"}}
    }
  }
}`

// Validator checks inbound JSON before it is decoded.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the inbound schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(inboundSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Validator", "NewValidator", "compile inbound schema")
	}
	return &Validator{schema: schema}, nil
}

// Validate returns an invalid-class error listing every violation.
func (v *Validator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Validator", "Validate", "parse inbound message")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
		"Validator", "Validate", "validate inbound message")
}
