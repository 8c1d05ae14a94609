// Package http serves the cloud discovery routes used to fill in node
// configuration: tag managers of a cloud, tags of a tag manager and sensor
// types of a tag.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/gateway"
	"github.com/c360/tagstreams/tagresolve"
)

// msgNotDeployed is returned for a cloud id no session is configured for.
const msgNotDeployed = "Cloud config not deployed yet. Deploy first, then resume config."

var httpGatewaySchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"enable_cors":  {Type: "bool", Description: "Enable CORS", Default: false, Category: "advanced"},
		"cors_origins": {Type: "array", Description: "Allowed origins (required for CORS)", Category: "advanced"},
		"timeout":      {Type: "string", Description: "Timeout of the cloud calls of one request", Default: "10s", Category: "advanced"},
	},
}

// getOrGenerateRequestID extracts the request ID from headers or generates one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// discoverFunc answers one discovery route against a cloud platform.
type discoverFunc func(ctx context.Context, platform cloud.Platform, r *http.Request) (any, error)

// Gateway serves the discovery routes of every configured cloud session.
type Gateway struct {
	name     string
	config   gateway.Config
	sessions *cloud.Sessions
	logger   *slog.Logger

	running atomic.Bool

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
	bytesSent       atomic.Uint64
}

// NewGateway creates the discovery gateway from configuration
func NewGateway(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	config := gateway.DefaultConfig()
	if err := component.SafeUnmarshal(rawConfig, &config); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "config unmarshal")
	}

	if deps.Sessions == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"cloud sessions are required")
	}

	name := deps.InstanceName
	if name == "" {
		name = "http-gateway"
	}
	return &Gateway{
		name:     name,
		config:   config,
		sessions: deps.Sessions,
		logger:   deps.GetLoggerWithComponent(name),
	}, nil
}

// Initialize prepares the gateway
func (g *Gateway) Initialize() error {
	return nil
}

// Start begins serving requests
func (g *Gateway) Start(_ context.Context) error {
	if g.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start",
			"gateway already running")
	}

	g.mu.Lock()
	g.running.Store(true)
	g.startTime = time.Now()
	g.mu.Unlock()

	return nil
}

// Stop stops serving requests. Routes stay registered and answer 503.
func (g *Gateway) Stop(_ time.Duration) error {
	g.running.Store(false)
	return nil
}

// RegisterHTTPHandlers registers the discovery routes below prefix:
//
//	GET {prefix}wirelesstag/{cloud}/tagmanagers          {mac: name}
//	GET {prefix}wirelesstag/{cloud}/{mac}/tags           {uuid: name}
//	GET {prefix}wirelesstag/{cloud}/{mac}/{tag}/sensors  [sensor type]
func (g *Gateway) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	base := prefix + "wirelesstag/{cloud}/"

	mux.HandleFunc(base+"tagmanagers", g.createRouteHandler(discoverTagManagers))
	mux.HandleFunc(base+"{mac}/tags", g.createRouteHandler(discoverTags))
	mux.HandleFunc(base+"{mac}/{tag}/sensors", g.createRouteHandler(discoverSensors))
}

func (g *Gateway) createRouteHandler(fn discoverFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		g.requestsTotal.Add(1)
		g.mu.Lock()
		g.lastActivity = time.Now()
		g.mu.Unlock()

		if g.config.EnableCORS {
			g.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if r.Method != http.MethodGet {
			g.fail(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}
		if !g.running.Load() {
			g.fail(w, http.StatusServiceUnavailable, "gateway not running")
			return
		}

		cloudID := r.PathValue("cloud")
		session, ok := g.sessions.Get(cloudID)
		if !ok {
			g.fail(w, http.StatusNotFound, msgNotDeployed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), g.config.Timeout())
		defer cancel()

		result, err := fn(ctx, session.Platform(), r)
		if err != nil {
			statusCode := mapErrorToHTTPStatus(err)
			g.logger.Warn("Discovery request failed",
				"request_id", requestID, "path", r.URL.Path, "status", statusCode, "error", err)
			g.fail(w, statusCode, sanitizeError(err))
			return
		}

		data, err := json.Marshal(result)
		if err != nil {
			g.fail(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			g.requestsFailed.Add(1)
			return
		}
		g.bytesSent.Add(uint64(len(data)))
		g.requestsSuccess.Add(1)
	}
}

func discoverTagManagers(ctx context.Context, platform cloud.Platform, _ *http.Request) (any, error) {
	managers, err := platform.DiscoverTagManagers(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "discoverTagManagers", "discover tag managers")
	}
	out := make(map[string]string, len(managers))
	for _, mgr := range managers {
		out[mgr.MAC()] = mgr.Name()
	}
	return out, nil
}

func discoverTags(ctx context.Context, platform cloud.Platform, r *http.Request) (any, error) {
	mgr, err := tagresolve.FindTagManager(ctx, platform, r.PathValue("mac"))
	if err != nil {
		return nil, err
	}
	tags, err := mgr.DiscoverTags(ctx, cloud.TagFilter{})
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "discoverTags", "discover tags")
	}
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[tag.UUID()] = tag.Name()
	}
	return out, nil
}

func discoverSensors(ctx context.Context, platform cloud.Platform, r *http.Request) (any, error) {
	mgr, err := tagresolve.FindTagManager(ctx, platform, r.PathValue("mac"))
	if err != nil {
		return nil, err
	}
	segment := r.PathValue("tag")
	tags, err := mgr.DiscoverTags(ctx, tagFilter(segment))
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "discoverSensors", "discover tags")
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("failed to find tag %s: %w", segment, errors.ErrTagNotFound)
	}
	capabilities := tags[0].SensorCapabilities()
	if capabilities == nil {
		capabilities = []string{}
	}
	return capabilities, nil
}

// tagFilter reads a path segment as a slave id when numeric, else as a UUID.
func tagFilter(segment string) cloud.TagFilter {
	if n, err := strconv.Atoi(segment); err == nil {
		return cloud.TagFilter{SlaveID: &n}
	}
	return cloud.TagFilter{UUID: segment}
}

// mapErrorToHTTPStatus maps resolution failures to 404 and remote API failures
// to the status the cloud answered with.
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	if errors.IsNotFound(err) {
		return http.StatusNotFound
	}
	if code := errors.StatusCode(err); code > http.StatusOK {
		return code
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a safe error message for external clients
func sanitizeError(err error) string {
	if err == nil {
		return "internal server error"
	}
	if errors.IsNotFound(err) {
		return err.Error()
	}
	if code := errors.StatusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
		return "cloud rejected the request: access denied"
	} else if code > http.StatusOK {
		return fmt.Sprintf("cloud api error (status %d)", code)
	}
	return "internal server error"
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range g.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

func (g *Gateway) fail(w http.ResponseWriter, statusCode int, message string) {
	g.requestsFailed.Add(1)
	writeError(w, statusCode, message)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}

// Meta returns component metadata
func (g *Gateway) Meta() component.Metadata {
	return component.Metadata{
		Name:        g.name,
		Type:        "gateway",
		Description: "Cloud discovery routes for node configuration",
		Version:     "1.0.0",
	}
}

// InputPorts returns no input ports (gateway is request-driven)
func (g *Gateway) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns no output ports
func (g *Gateway) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema
func (g *Gateway) ConfigSchema() component.ConfigSchema {
	return httpGatewaySchema
}

// Health returns the current health status
func (g *Gateway) Health() component.HealthStatus {
	g.mu.RLock()
	startTime := g.startTime
	g.mu.RUnlock()

	running := g.running.Load()
	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(g.requestsFailed.Load()),
		Status:     "running",
	}
	if running {
		status.Uptime = time.Since(startTime)
	} else {
		status.Status = "stopped"
	}
	return status
}

// DataFlow returns current data flow metrics
func (g *Gateway) DataFlow() component.FlowMetrics {
	g.mu.RLock()
	startTime := g.startTime
	lastActivity := g.lastActivity
	g.mu.RUnlock()

	total := g.requestsTotal.Load()
	failed := g.requestsFailed.Load()

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	var messagesPerSecond, bytesPerSecond float64
	if !startTime.IsZero() {
		if uptime := time.Since(startTime).Seconds(); uptime > 0 {
			messagesPerSecond = float64(total) / uptime
			bytesPerSecond = float64(g.bytesSent.Load()) / uptime
		}
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Register registers the HTTP gateway with the component registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "http",
		Factory:     NewGateway,
		Schema:      httpGatewaySchema,
		Type:        "gateway",
		Protocol:    "http",
		Domain:      "network",
		Description: "Cloud discovery routes (tag managers, tags, sensors)",
		Version:     "1.0.0",
	})
}
