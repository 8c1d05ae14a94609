package tagupdate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tagstreams/metric"
)

// Metrics holds Prometheus metrics for the polling updaters
type Metrics struct {
	polls        *prometheus.CounterVec
	pollErrors   *prometheus.CounterVec
	pollSetSize  *prometheus.GaugeVec
	pollDuration *prometheus.HistogramVec
	reauths      *prometheus.CounterVec
}

// newMetrics creates the updater metrics, or nil when metrics are disabled
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagstreams",
			Subsystem: "updater",
			Name:      "polls_total",
			Help:      "Poll cycles executed",
		}, []string{"cloud"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagstreams",
			Subsystem: "updater",
			Name:      "poll_errors_total",
			Help:      "Poll cycles that failed",
		}, []string{"cloud"}),
		pollSetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tagstreams",
			Subsystem: "updater",
			Name:      "poll_set_size",
			Help:      "Tags currently in the poll set",
		}, []string{"cloud"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tagstreams",
			Subsystem: "updater",
			Name:      "poll_duration_seconds",
			Help:      "Duration of the batched poll call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cloud"}),
		reauths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagstreams",
			Subsystem: "updater",
			Name:      "reauthentications_total",
			Help:      "Re-authentication attempts triggered by poll failures",
		}, []string{"cloud"}),
	}

	registry.RegisterCounterVec("tagupdate", "polls_total", m.polls)
	registry.RegisterCounterVec("tagupdate", "poll_errors_total", m.pollErrors)
	registry.RegisterGaugeVec("tagupdate", "poll_set_size", m.pollSetSize)
	registry.RegisterHistogramVec("tagupdate", "poll_duration_seconds", m.pollDuration)
	registry.RegisterCounterVec("tagupdate", "reauthentications_total", m.reauths)

	return m
}
