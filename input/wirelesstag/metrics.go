package wirelesstag

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/nodestate"
)

// Metrics holds Prometheus metrics for a sensor node
type Metrics struct {
	messagesSent  prometheus.Counter
	publishErrors prometheus.Counter
	sendFailures  prometheus.Counter
	inbound       *prometheus.CounterVec
	state         prometheus.Gauge
}

// newMetrics creates and registers node metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry, node string) *Metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"node": node}

	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tagstreams",
			Subsystem:   "wirelesstag",
			Name:        "messages_sent_total",
			Help:        "Outbound sensor messages published",
			ConstLabels: labels,
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tagstreams",
			Subsystem:   "wirelesstag",
			Name:        "publish_errors_total",
			Help:        "Outbound messages that could not be published",
			ConstLabels: labels,
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tagstreams",
			Subsystem:   "wirelesstag",
			Name:        "send_failures_total",
			Help:        "Tag data events that produced no messages because sensors could not be resolved",
			ConstLabels: labels,
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tagstreams",
			Subsystem:   "wirelesstag",
			Name:        "inbound_messages_total",
			Help:        "Inbound messages by result",
			ConstLabels: labels,
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tagstreams",
			Subsystem:   "wirelesstag",
			Name:        "node_state",
			Help:        "Node state (0=no-config, 1=disconnected, 2=connecting, 3=connected, 4=error)",
			ConstLabels: labels,
		}),
	}

	serviceName := "wirelesstag_" + node
	registry.RegisterCounter(serviceName, "messages_sent", m.messagesSent)
	registry.RegisterCounter(serviceName, "publish_errors", m.publishErrors)
	registry.RegisterCounter(serviceName, "send_failures", m.sendFailures)
	registry.RegisterCounterVec(serviceName, "inbound_messages", m.inbound)
	registry.RegisterGauge(serviceName, "node_state", m.state)
	return m
}

func (m *Metrics) recordState(state nodestate.State) {
	if m != nil {
		m.state.Set(float64(state))
	}
}

func (m *Metrics) recordSent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrors.Inc()
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) recordSendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) recordInbound(result string) {
	if m != nil {
		m.inbound.WithLabelValues(result).Inc()
	}
}
