// Package componentregistry registers every tagstreams component factory.
package componentregistry

import (
	"errors"

	"github.com/c360/tagstreams/component"
	pkgerrors "github.com/c360/tagstreams/errors"
	gatewayhttp "github.com/c360/tagstreams/gateway/http"
	"github.com/c360/tagstreams/input/wirelesstag"
	"github.com/c360/tagstreams/output/mqtt"
)

// Register registers all tagstreams components with the provided registry:
//
//   - wirelesstag, wirelesstag-all inputs (cloud sensor nodes)
//   - mqtt output (republishes sensor messages to a broker)
//   - http gateway (cloud discovery routes)
func Register(registry *component.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := wirelesstag.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "wirelesstag input component registration")
	}

	if err := mqtt.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "MQTT output component registration")
	}

	if err := gatewayhttp.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "HTTP gateway component registration")
	}

	return nil
}
