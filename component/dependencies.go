package component

import (
	"log/slog"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/natsclient"
	"github.com/c360/tagstreams/nodestate"
	"github.com/c360/tagstreams/tagupdate"
)

// Dependencies provides all external dependencies needed by components.
type Dependencies struct {
	NATSClient      *natsclient.Client      // NATS client for messaging (can be nil in tests)
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	Sessions        *cloud.Sessions         // Cloud sessions by configured id
	Updates         *tagupdate.Registry     // Shared polling updaters, one per session
	StatusReporter  nodestate.Reporter      // Where node status changes go (can be nil)
	InstanceName    string                  // Set by Registry.CreateComponent
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
