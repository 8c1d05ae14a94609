// Package health turns component health into sanitized, aggregated status
// for the /health route.
package health

import (
	"regexp"
	"time"

	"github.com/c360/tagstreams/component"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|tcp|ssl)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`(?:^|\s)/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=]\s*[^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // healthy, degraded or unhealthy
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// sanitizeErrorMessage strips URLs, paths, addresses, ports and credentials.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	s := credentialRegex.ReplaceAllString(err, "[REDACTED]")
	s = urlRegex.ReplaceAllString(s, "[URL]")
	s = unixPathRegex.ReplaceAllStringFunc(s, func(m string) string {
		if m[0] == '/' {
			return "[PATH]"
		}
		return m[:1] + "[PATH]"
	})
	s = ipAddrRegex.ReplaceAllString(s, "[IP]")
	s = portRegex.ReplaceAllString(s, "[PORT]")
	return s
}

// FromComponentHealth converts a component.HealthStatus to a health.Status.
// A component that is healthy but reports status "degraded" counts as degraded.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	state := StateUnhealthy
	switch {
	case ch.Healthy && ch.Status == StateDegraded:
		state = StateDegraded
	case ch.Healthy:
		state = StateHealthy
	}

	message := "Component healthy"
	switch {
	case ch.LastError != "":
		message = sanitizeErrorMessage(ch.LastError)
	case ch.Status != "":
		message = "Component " + ch.Status
	}

	return Status{
		Component: name,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
		Metrics: &Metrics{
			Uptime:       ch.Uptime,
			ErrorCount:   ch.ErrorCount,
			LastActivity: ch.LastCheck,
		},
	}
}
