// Package tagupdate shares one polling loop per cloud session among every node
// that wants data for a tag.
//
// A Registry maps sessions to their Updater. Nodes subscribe (session, tag,
// consumer) triples; the updater keeps a reference count per tag so a tag is in
// the poll set exactly once while any consumer holds it. Discovery mode makes the
// updater poll every tag of the session and deliver each one to the discovery
// consumers.
package tagupdate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
)

// DefaultPollInterval is used for sessions without a configured interval.
const DefaultPollInterval = 30 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger of the registry and its updaters.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPollInterval sets the default poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMetricsRegistry enables updater metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		r.metrics = newMetrics(registry)
	}
}

// WithErrorHandler sets the callback invoked for each failed poll cycle.
func WithErrorHandler(fn func(cloudID string, err error)) Option {
	return func(r *Registry) {
		r.onError = fn
	}
}

// Registry owns the updaters of a process, one per session.
type Registry struct {
	logger    *slog.Logger
	interval  time.Duration
	intervals map[string]time.Duration
	metrics   *Metrics
	onError   func(string, error)

	mu       sync.Mutex
	updaters map[string]*Updater
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		interval:  DefaultPollInterval,
		intervals: make(map[string]time.Duration),
		updaters:  make(map[string]*Updater),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tagupdate")
	return r
}

// SetPollInterval overrides the poll interval of one cloud. It applies to
// updaters created afterwards.
func (r *Registry) SetPollInterval(cloudID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.intervals[cloudID] = d
	}
}

// Updater returns the updater of session, creating it and handing it to the
// session on first use.
func (r *Registry) Updater(session *cloud.Session) (*Updater, error) {
	if session == nil {
		return nil, errors.WrapInvalid(errors.ErrSessionNotFound, "Registry", "Updater", "look up updater")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.updaters[session.ID()]; ok {
		return u, nil
	}

	interval := r.interval
	if d, ok := r.intervals[session.ID()]; ok {
		interval = d
	}
	u := newUpdater(session, interval, r.logger, r.metrics, r.onError)
	if err := session.AttachPoller(u); err != nil {
		return nil, errors.Wrap(err, "Registry", "Updater", "attach updater")
	}
	r.updaters[session.ID()] = u
	return u, nil
}

// Lookup returns the updater of cloudID if one was created.
func (r *Registry) Lookup(cloudID string) (*Updater, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.updaters[cloudID]
	return u, ok
}

// Subscribe registers consumer for data events of tag on session.
func (r *Registry) Subscribe(session *cloud.Session, tag cloud.Tag, consumer string, fn DataFunc) error {
	u, err := r.Updater(session)
	if err != nil {
		return err
	}
	return u.Subscribe(tag, consumer, fn)
}

// Unsubscribe removes consumer from tagUUID on session. Unknown sessions are ignored.
func (r *Registry) Unsubscribe(session *cloud.Session, tagUUID, consumer string) {
	if session == nil {
		return
	}
	if u, ok := r.Lookup(session.ID()); ok {
		u.Unsubscribe(tagUUID, consumer)
	}
}

// EnableDiscovery turns on discovery mode for consumer on session.
func (r *Registry) EnableDiscovery(session *cloud.Session, consumer string, fn DataFunc) error {
	u, err := r.Updater(session)
	if err != nil {
		return err
	}
	return u.EnableDiscovery(consumer, fn)
}

// DisableDiscovery releases consumer's discovery hold on session.
func (r *Registry) DisableDiscovery(session *cloud.Session, consumer string) {
	if session == nil {
		return
	}
	if u, ok := r.Lookup(session.ID()); ok {
		u.DisableDiscovery(consumer)
	}
}

// StopAll stops every updater. Sessions stop their own updater on close, so
// this only matters for registries that outlive their sessions, such as tests.
func (r *Registry) StopAll() {
	r.mu.Lock()
	updaters := r.updaters
	r.updaters = make(map[string]*Updater)
	r.mu.Unlock()

	for _, u := range updaters {
		u.Stop()
	}
}
