package types_test

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/types"
)

func TestComponentConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  types.ComponentConfig
		wantErr error
	}{
		{
			name: "valid input component",
			config: types.ComponentConfig{
				Type: types.ComponentTypeInput, Name: "wirelesstag", Enabled: true,
				Config: json.RawMessage(`{"cloud":"home"}`),
			},
		},
		{
			name:   "valid output component disabled",
			config: types.ComponentConfig{Type: types.ComponentTypeOutput, Name: "mqtt"},
		},
		{
			name:   "valid gateway component",
			config: types.ComponentConfig{Type: types.ComponentTypeGateway, Name: "wirelesstag-http"},
		},
		{
			name:    "missing type",
			config:  types.ComponentConfig{Name: "wirelesstag"},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "missing name",
			config:  types.ComponentConfig{Type: types.ComponentTypeInput},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "unknown type",
			config:  types.ComponentConfig{Type: "processor", Name: "x"},
			wantErr: errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.wantErr))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
