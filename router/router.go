// Package router applies an inbound message to a sensor and its tag as an
// ordered sequence of remote mutations.
//
// The steps run strictly one after another: arm or disarm, monitoring config
// merge, update interval, and finally a read when none of the former applied.
// The first failing step ends the sequence. Steps that already succeeded are
// not undone.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/pkg/deepmerge"
)

// Action is one remote mutation performed for a message.
type Action string

// Actions in the order the router applies them.
const (
	ActionArm        Action = "arm"
	ActionDisarm     Action = "disarm"
	ActionConfig     Action = "sensor_config"
	ActionInterval   Action = "update_interval"
	ActionLiveRead   Action = "live_update"
	ActionPolledRead Action = "update"
)

// Target is what a message acts on. Sensor is nil when the message did not
// narrow the tag down to a single sensor.
type Target struct {
	Tag    cloud.Tag
	Sensor cloud.Sensor
}

// Result reports the actions that completed.
type Result struct {
	Actions []Action
	Merge   deepmerge.Result
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDefaultImmediate makes a bare trigger a live read unless the message sets
// immediate to false. Discovery nodes use it.
func WithDefaultImmediate(immediate bool) Option {
	return func(r *Router) {
		r.defaultImmediate = immediate
	}
}

// WithMetrics counts routed messages by outcome under the given component label.
func WithMetrics(registry *metric.MetricsRegistry, component string) Option {
	return func(r *Router) {
		r.metrics = newMetrics(registry, component)
		r.component = component
	}
}

// Router applies inbound messages.
type Router struct {
	logger           *slog.Logger
	defaultImmediate bool
	metrics          *Metrics
	component        string
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Immediate reports whether a bare trigger in req asks for a live read.
func (r *Router) Immediate(req *Request) bool {
	if req.Payload.Immediate != nil {
		return *req.Payload.Immediate
	}
	return r.defaultImmediate
}

// Route applies req to target.
func (r *Router) Route(ctx context.Context, req *Request, target Target) (Result, error) {
	res, err := r.route(ctx, req, target)
	r.record(err)
	return res, err
}

func (r *Router) route(ctx context.Context, req *Request, target Target) (Result, error) {
	var res Result
	sensor := target.Sensor
	tag := target.Tag
	if tag == nil && sensor != nil {
		tag = sensor.Tag()
	}
	if tag == nil {
		return res, errors.WrapInvalid(errors.ErrTagNotSpecified, "Router", "Route", "resolve target")
	}

	needsSensor := req.Payload.Armed != nil || req.Payload.SensorConfig != nil
	if needsSensor && sensor == nil {
		return res, errors.WrapInvalid(
			fmt.Errorf("%w: must give sensor for arm/disarm or sensor config", errors.ErrAmbiguousTarget),
			"Router", "Route", "select sensor")
	}

	matched := false

	if req.Payload.Armed != nil {
		matched = true
		if *req.Payload.Armed {
			if err := sensor.Arm(ctx); err != nil {
				return res, errors.WrapTransient(err, "Router", "Route", "arm sensor")
			}
			res.Actions = append(res.Actions, ActionArm)
		} else {
			if err := sensor.Disarm(ctx); err != nil {
				return res, errors.WrapTransient(err, "Router", "Route", "disarm sensor")
			}
			res.Actions = append(res.Actions, ActionDisarm)
		}
	}

	if req.Payload.SensorConfig != nil {
		matched = true
		merge, err := r.applyConfig(ctx, sensor, req.Payload.SensorConfig)
		res.Merge = merge
		if err != nil {
			return res, err
		}
		res.Actions = append(res.Actions, ActionConfig)
	}

	if interval := req.UpdateInterval(); interval != nil {
		matched = true
		if err := tag.SetUpdateInterval(ctx, *interval); err != nil {
			return res, errors.WrapTransient(err, "Router", "Route", "set update interval")
		}
		res.Actions = append(res.Actions, ActionInterval)
	}

	if !matched {
		if r.Immediate(req) {
			if err := tag.LiveUpdate(ctx); err != nil {
				return res, errors.WrapTransient(err, "Router", "Route", "live update")
			}
			res.Actions = append(res.Actions, ActionLiveRead)
		} else {
			if err := tag.Update(ctx); err != nil {
				return res, errors.WrapTransient(err, "Router", "Route", "update")
			}
			res.Actions = append(res.Actions, ActionPolledRead)
		}
	}

	r.logger.Debug("Applied inbound message", "tag", tag.UUID(), "actions", res.Actions)
	return res, nil
}

// applyConfig fetches the current monitoring config, merges patch into it and
// saves the result. Unknown keys reject the whole patch.
func (r *Router) applyConfig(ctx context.Context, sensor cloud.Sensor, patch map[string]any) (deepmerge.Result, error) {
	current, err := sensor.FetchMonitoringConfig(ctx)
	if err != nil {
		return deepmerge.Result{}, errors.WrapTransient(err, "Router", "Route", "fetch monitoring config")
	}

	merged, res, err := deepmerge.Merge(current, patch)
	if err != nil {
		return res, errors.WrapInvalid(err, "Router", "Route", "merge monitoring config")
	}
	if len(res.Skipped) > 0 {
		return res, errors.WrapInvalid(
			fmt.Errorf("%w: unknown properties %s", errors.ErrMergeType, strings.Join(res.Skipped, ", ")),
			"Router", "Route", "merge monitoring config")
	}

	if err := sensor.SaveMonitoringConfig(ctx, merged); err != nil {
		return res, errors.WrapTransient(err, "Router", "Route", "save monitoring config")
	}
	return res, nil
}

// Metrics counts routed messages
type Metrics struct {
	messages *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, component string) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagstreams",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages routed, by outcome",
			ConstLabels: prometheus.Labels{
				"component": component,
			},
		}, []string{"outcome"}),
	}
	registry.RegisterCounterVec("router_"+component, "messages_total", m.messages)
	return m
}

func (r *Router) record(err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = errors.Classify(err).String()
	}
	r.metrics.messages.WithLabelValues(outcome).Inc()
}
