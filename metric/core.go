package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the platform-wide metrics shared by every component.
type Metrics struct {
	ComponentStatus   *prometheus.GaugeVec
	MessagesPublished *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	SessionState      *prometheus.GaugeVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the core metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tagstreams",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=running, 2=failed)",
			},
			[]string{"component"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstreams",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"component", "subject"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstreams",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tagstreams",
				Subsystem: "cloud",
				Name:      "session_state",
				Help:      "Cloud session state (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
			[]string{"cloud"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagstreams",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagstreams",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ComponentStatus,
		m.MessagesPublished,
		m.ErrorsTotal,
		m.SessionState,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordError counts an error for component under its classification.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}
