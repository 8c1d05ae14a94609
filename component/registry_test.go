package component

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/types"
)

type mockComponent struct {
	name   string
	typ    string
	config mockConfig
	inputs []Port
}

type mockConfig struct {
	Topic string `json:"topic"`
	Port  int    `json:"port"`
}

func (c *mockConfig) Validate() error {
	if c.Port < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mockConfig", "Validate", "port range")
	}
	return nil
}

func (m *mockComponent) Meta() Metadata {
	return Metadata{Name: m.name, Type: m.typ, Description: "mock", Version: "0.1.0"}
}
func (m *mockComponent) InputPorts() []Port         { return m.inputs }
func (m *mockComponent) OutputPorts() []Port        { return nil }
func (m *mockComponent) ConfigSchema() ConfigSchema { return ConfigSchema{} }
func (m *mockComponent) Health() HealthStatus {
	return HealthStatus{Healthy: true, LastCheck: time.Now()}
}
func (m *mockComponent) DataFlow() FlowMetrics { return FlowMetrics{} }

func mockFactory(raw json.RawMessage, _ Dependencies) (Discoverable, error) {
	m := &mockComponent{name: "mock", typ: "input"}
	if err := SafeUnmarshal(raw, &m.config); err != nil {
		return nil, err
	}
	if m.config.Port > 0 {
		m.inputs = []Port{{Name: "listen", Direction: DirectionInput,
			Config: NetworkPort{Protocol: "tcp", Host: "0.0.0.0", Port: m.config.Port}}}
	}
	return m, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterWithConfig(RegistrationConfig{
		Name:        "mock",
		Factory:     mockFactory,
		Type:        "input",
		Protocol:    "test",
		Domain:      "sensors",
		Description: "mock input",
		Version:     "0.1.0",
	}))
	return r
}

func TestRegistry_RegisterWithConfig(t *testing.T) {
	r := newTestRegistry(t)

	err := r.RegisterWithConfig(RegistrationConfig{Name: "mock", Factory: mockFactory, Type: "input"})
	assert.True(t, errors.IsInvalid(err), "duplicate factory")

	err = r.RegisterWithConfig(RegistrationConfig{Name: "nofactory", Type: "input"})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))

	err = r.RegisterWithConfig(RegistrationConfig{Name: "notype", Factory: mockFactory})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))

	assert.Equal(t, []string{"mock"}, r.ListComponentTypes())
	assert.Equal(t, Info{Type: "input", Protocol: "test", Domain: "sensors", Description: "mock input",
		Version: "0.1.0"}, r.ListAvailable()["mock"])
	assert.Contains(t, r.ListFactories(), "mock")
}

func TestRegistry_CreateComponent(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		config   types.ComponentConfig
		wantErr  bool
	}{
		{"valid", "garage", types.ComponentConfig{Type: "input", Name: "mock",
			Config: json.RawMessage(`{"topic":"a/b"}`)}, false},
		{"empty config", "attic", types.ComponentConfig{Type: "input", Name: "mock"}, false},
		{"unknown factory", "x", types.ComponentConfig{Type: "input", Name: "nope"}, true},
		{"type mismatch", "x", types.ComponentConfig{Type: "output", Name: "mock"}, true},
		{"bad instance name", "bad name", types.ComponentConfig{Type: "input", Name: "mock"}, true},
		{"self validation", "x", types.ComponentConfig{Type: "input", Name: "mock",
			Config: json.RawMessage(`{"port":-1}`)}, true},
		{"malformed json", "x", types.ComponentConfig{Type: "input", Name: "mock",
			Config: json.RawMessage(`{"topic":`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			comp, err := r.CreateComponent(tt.instance, tt.config, Dependencies{})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				assert.Empty(t, r.ListComponents())
				return
			}
			require.NoError(t, err)
			assert.Same(t, comp, r.Component(tt.instance))
		})
	}
}

func TestRegistry_InstanceConflicts(t *testing.T) {
	r := newTestRegistry(t)
	cfg := types.ComponentConfig{Type: "input", Name: "mock", Config: json.RawMessage(`{"port":8080}`)}

	_, err := r.CreateComponent("a", cfg, Dependencies{})
	require.NoError(t, err)

	_, err = r.CreateComponent("a", types.ComponentConfig{Type: "input", Name: "mock"}, Dependencies{})
	assert.Error(t, err, "duplicate instance name")

	_, err = r.CreateComponent("b", cfg, Dependencies{})
	assert.Error(t, err, "exclusive network port already taken")

	r.UnregisterInstance("a")
	_, err = r.CreateComponent("b", cfg, Dependencies{})
	assert.NoError(t, err, "port released on unregister")
}

func TestSafeUnmarshal(t *testing.T) {
	deep := `{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":1}}}}}}}}}}}}`
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"object", `{"topic":"x","port":1}`, false},
		{"unknown fields ignored", `{"other":true}`, false},
		{"too deep", deep, true},
		{"null byte", `{"topic":"a\u0000b"}`, true},
		{"control char", `{"topic":"a\u0001b"}`, true},
		{"wrong type", `{"port":"one"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg mockConfig
			err := SafeUnmarshal(json.RawMessage(tt.raw), &cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	var cfg mockConfig
	assert.Error(t, SafeUnmarshal(json.RawMessage(`{}`), cfg), "non-pointer target")
}

func TestMergePortConfigs(t *testing.T) {
	defaults := []Port{
		{Name: "in", Direction: DirectionInput, Config: NATSPort{Subject: "tags.in"}},
		{Name: "status", Direction: DirectionInput, Config: KVWritePort{Bucket: "NODE_STATUS"}},
	}
	merged := MergePortConfigs(defaults, []PortDefinition{
		{Name: "in", Subject: "garage.in"},
		{Name: "mqtt", Type: "mqtt", Broker: "tcp://broker:1883"},
	}, DirectionInput)

	require.Len(t, merged, 3)
	assert.Equal(t, "garage.in", SubjectOf(merged, "in"))
	assert.Equal(t, KVWritePort{Bucket: "NODE_STATUS"}, merged[1].Config)
	assert.Equal(t, MQTTPort{Broker: "tcp://broker:1883"}, merged[2].Config)
	assert.Equal(t, "", SubjectOf(merged, "status"), "not a NATS port")
	assert.Equal(t, "", SubjectOf(merged, "missing"))
}

func TestPortMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Port{Name: "out", Direction: DirectionOutput, Config: NATSPort{Subject: "tags.out"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"out","direction":"output","required":false,"description":"",
		"config":{"type":"nats","data":{"subject":"tags.out"}}}`, string(data))
}
