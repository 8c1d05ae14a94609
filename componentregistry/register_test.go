package componentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/component"
	pkgerrors "github.com/c360/tagstreams/errors"
)

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))

	types := registry.ListComponentTypes()
	for _, name := range []string{"wirelesstag", "wirelesstag-all", "mqtt", "http"} {
		assert.Contains(t, types, name)
	}

	err := Register(registry)
	assert.Error(t, err, "duplicate registration")
}

func TestRegister_NilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatal(err))
}
