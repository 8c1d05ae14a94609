package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/cloud/simulator"
	"github.com/c360/tagstreams/component"
	pkgerrors "github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/pkg/retry"
)

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "existing-request-id-12345")
	assert.Equal(t, "existing-request-id-12345", getOrGenerateRequestID(req))

	req = httptest.NewRequest("GET", "/test", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		require.NotEmpty(t, id)
		assert.False(t, ids[id], "duplicate request ID %s", id)
		ids[id] = true
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusInternalServerError},
		{"tag manager not found", fmt.Errorf("mac X: %w", pkgerrors.ErrTagManagerNotFound), http.StatusNotFound},
		{"tag not found", fmt.Errorf("tag 1: %w", pkgerrors.ErrTagNotFound), http.StatusNotFound},
		{"api 401", pkgerrors.WrapTransient(&pkgerrors.APIError{StatusCode: 401, Fault: "not signed in"}, "G", "m", "a"), http.StatusUnauthorized},
		{"api 503", &pkgerrors.APIError{StatusCode: 503, Fault: "busy"}, http.StatusServiceUnavailable},
		{"api 200", &pkgerrors.APIError{StatusCode: 200, Fault: "odd"}, http.StatusInternalServerError},
		{"api without status", &pkgerrors.APIError{Fault: "connection reset"}, http.StatusInternalServerError},
		{"other", stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapErrorToHTTPStatus(tt.err))
		})
	}
}

type fixture struct {
	platform *simulator.Platform
	session  *cloud.Session
	gateway  *Gateway
	server   *httptest.Server
}

func newFixture(t *testing.T, rawConfig string) *fixture {
	t.Helper()
	p, err := simulator.New(simulator.Fixture{
		TagManagers: []simulator.TagManagerFixture{
			{MAC: "AABB", Name: "Home", Online: true, Tags: []simulator.TagFixture{
				{UUID: "tag-1", Name: "Garage", SlaveID: 3, Alive: true, Sensors: []simulator.SensorFixture{
					{Type: "temp", Reading: 21.5}, {Type: "humidity", Reading: 40.0},
				}},
				{UUID: "tag-2", Name: "Attic", SlaveID: 4, Alive: true},
			}},
			{MAC: "CCDD", Name: "Cabin", Online: false},
		},
	})
	require.NoError(t, err)

	session := cloud.NewSession("home", p, cloud.Credentials{}, cloud.WithRetry(retry.Config{MaxAttempts: 1}))
	sessions := cloud.NewSessions()
	require.NoError(t, sessions.Add(session))

	comp, err := NewGateway(json.RawMessage(rawConfig), component.Dependencies{Sessions: sessions, InstanceName: "discovery"})
	require.NoError(t, err)
	g := comp.(*Gateway)
	require.NoError(t, g.Start(context.Background()))

	mux := http.NewServeMux()
	g.RegisterHTTPHandlers("/api", mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{platform: p, session: session, gateway: g, server: server}
}

func (f *fixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	return resp.StatusCode, body
}

func TestDiscoveryRoutes(t *testing.T) {
	f := newFixture(t, `{}`)
	require.NoError(t, f.session.Connect(context.Background()))

	tests := []struct {
		name     string
		path     string
		status   int
		expected string
	}{
		{"tag managers", "/api/wirelesstag/home/tagmanagers", http.StatusOK, `{"AABB":"Home","CCDD":"Cabin"}`},
		{"tags", "/api/wirelesstag/home/AABB/tags", http.StatusOK, `{"tag-1":"Garage","tag-2":"Attic"}`},
		{"no tags", "/api/wirelesstag/home/CCDD/tags", http.StatusOK, `{}`},
		{"sensors by uuid", "/api/wirelesstag/home/AABB/tag-1/sensors", http.StatusOK, `["temp","humidity"]`},
		{"sensors by slave id", "/api/wirelesstag/home/AABB/3/sensors", http.StatusOK, `["temp","humidity"]`},
		{"tag without sensors", "/api/wirelesstag/home/AABB/tag-2/sensors", http.StatusOK, `[]`},
		{"unknown cloud", "/api/wirelesstag/work/tagmanagers", http.StatusNotFound,
			`{"error":"Cloud config not deployed yet. Deploy first, then resume config.","status":404}`},
		{"unknown tag manager", "/api/wirelesstag/home/EEFF/tags", http.StatusNotFound,
			`{"error":"failed to find tag manager with MAC EEFF: tag manager not found","status":404}`},
		{"unknown tag", "/api/wirelesstag/home/AABB/tag-9/sensors", http.StatusNotFound,
			`{"error":"failed to find tag tag-9: tag not found","status":404}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.get(t, tt.path)
			assert.Equal(t, tt.status, status)
			assert.JSONEq(t, tt.expected, string(body))
		})
	}
}

func TestDiscoveryRoutes_RemoteErrors(t *testing.T) {
	f := newFixture(t, `{}`)

	// the simulator answers 401 while signed out
	status, _ := f.get(t, "/api/wirelesstag/home/tagmanagers")
	assert.Equal(t, http.StatusUnauthorized, status)

	require.NoError(t, f.session.Connect(context.Background()))
	f.platform.Fail(simulator.OpDiscoverTags, &pkgerrors.APIError{StatusCode: 502, Fault: "bad gateway"})
	status, _ = f.get(t, "/api/wirelesstag/home/AABB/tags")
	assert.Equal(t, http.StatusBadGateway, status)

	f.platform.Fail(simulator.OpDiscoverTags, stderrors.New("connection reset"))
	status, body := f.get(t, "/api/wirelesstag/home/AABB/tags")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, string(body), "connection reset")

	assert.Equal(t, 3, f.gateway.Health().ErrorCount)
	assert.InDelta(t, 1.0, f.gateway.DataFlow().ErrorRate, 0.001)
}

func TestDiscoveryRoutes_Method(t *testing.T) {
	f := newFixture(t, `{"enable_cors":true,"cors_origins":["https://ui.example.com"]}`)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/wirelesstag/home/tagmanagers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ui.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Post(f.server.URL+"/api/wirelesstag/home/tagmanagers", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_Lifecycle(t *testing.T) {
	f := newFixture(t, `{}`)
	require.NoError(t, f.session.Connect(context.Background()))

	assert.True(t, f.gateway.Health().Healthy)
	assert.Equal(t, "discovery", f.gateway.Meta().Name)
	assert.Error(t, f.gateway.Start(context.Background()), "already running")

	require.NoError(t, f.gateway.Stop(time.Second))
	assert.False(t, f.gateway.Health().Healthy)
	assert.Equal(t, "stopped", f.gateway.Health().Status)

	status, _ := f.get(t, "/api/wirelesstag/home/tagmanagers")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestNewGateway(t *testing.T) {
	_, err := NewGateway(json.RawMessage(`{}`), component.Dependencies{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatal(err))

	_, err = NewGateway(json.RawMessage(`{"timeout":"never"}`), component.Dependencies{Sessions: cloud.NewSessions()})
	require.Error(t, err)

	comp, err := NewGateway(nil, component.Dependencies{Sessions: cloud.NewSessions()})
	require.NoError(t, err)
	assert.Equal(t, "http-gateway", comp.Meta().Name)
	assert.Empty(t, comp.InputPorts())

	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Contains(t, registry.ListComponentTypes(), "http")
}
