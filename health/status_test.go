package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/component"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"dial nats://10.0.0.5:4222 failed", "dial [URL] failed"},
		{"open /etc/tagstreams/sim.yaml: no such file", "open [PATH]: no such file"},
		{"connect 192.168.1.10 refused", "connect [IP] refused"},
		{"sign in password=hunter2 rejected", "sign in [REDACTED] rejected"},
		{"tag not found", "tag not found"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeErrorMessage(tt.in), tt.in)
	}
}

func TestFromComponentHealth(t *testing.T) {
	tests := []struct {
		name    string
		ch      component.HealthStatus
		state   string
		message string
	}{
		{"healthy", component.HealthStatus{Healthy: true}, StateHealthy, "Component healthy"},
		{"degraded", component.HealthStatus{Healthy: true, Status: "degraded"}, StateDegraded, "Component degraded"},
		{"unhealthy with error", component.HealthStatus{LastError: "dial tcp://cloud:443 timeout", ErrorCount: 2},
			StateUnhealthy, "dial [URL] timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromComponentHealth("garage", tt.ch)
			assert.Equal(t, "garage", s.Component)
			assert.Equal(t, tt.state, s.Status)
			assert.Equal(t, tt.state == StateHealthy, s.Healthy)
			assert.Equal(t, tt.message, s.Message)
			require.NotNil(t, s.Metrics)
			assert.Equal(t, tt.ch.ErrorCount, s.Metrics.ErrorCount)
		})
	}
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{NewHealthy("a", ""), NewHealthy("b", "")}).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")}).IsDegraded())

	agg := Aggregate("sys", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")})
	assert.True(t, agg.IsUnhealthy())
	assert.False(t, agg.Healthy)
	assert.Len(t, agg.SubStatuses, 2)
}

type fakeComponent struct {
	component.Discoverable
	health component.HealthStatus
}

func (f fakeComponent) Health() component.HealthStatus { return f.health }

func TestHandler(t *testing.T) {
	components := map[string]component.Discoverable{
		"b": fakeComponent{health: component.HealthStatus{Healthy: true, LastCheck: time.Now()}},
		"a": fakeComponent{health: component.HealthStatus{Healthy: true}},
	}
	h := Handler("tagstreams", func() map[string]component.Discoverable { return components })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StateHealthy, body.Status)
	require.Len(t, body.SubStatuses, 2)
	assert.Equal(t, "a", body.SubStatuses[0].Component)

	components["c"] = fakeComponent{health: component.HealthStatus{LastError: "boom"}}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
