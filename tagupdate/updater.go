package tagupdate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
)

// DataFunc receives a tag whose state was refreshed by a poll cycle.
type DataFunc func(tag cloud.Tag)

type subscription struct {
	tag       cloud.Tag
	consumers map[string]DataFunc
}

// Updater drives the poll loop of one session. All subscribed tags are refreshed
// in one batched call per tick and the results are fanned out to the consumers.
type Updater struct {
	session  *cloud.Session
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	onError  func(cloudID string, err error)

	mu        sync.Mutex
	subs      map[string]*subscription // by tag UUID
	discovery map[string]DataFunc      // by consumer
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

func newUpdater(session *cloud.Session, interval time.Duration, logger *slog.Logger, metrics *Metrics,
	onError func(string, error)) *Updater {
	return &Updater{
		session:   session,
		interval:  interval,
		logger:    logger.With("cloud", session.ID()),
		metrics:   metrics,
		onError:   onError,
		subs:      make(map[string]*subscription),
		discovery: make(map[string]DataFunc),
	}
}

// Subscribe registers consumer for data events of tag. The first consumer of a
// tag adds it to the poll set. Subscribing the same consumer twice is a no-op.
func (u *Updater) Subscribe(tag cloud.Tag, consumer string, fn DataFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Updater", "Subscribe", "add tag")
	}

	sub, ok := u.subs[tag.UUID()]
	if !ok {
		sub = &subscription{tag: tag, consumers: make(map[string]DataFunc)}
		u.subs[tag.UUID()] = sub
		u.logger.Debug("Tag added to poll set", "tag", tag.Name(), "uuid", tag.UUID())
		u.recordPollSet()
	}
	if _, dup := sub.consumers[consumer]; dup {
		return nil
	}
	sub.consumers[consumer] = fn

	if u.session.State() == cloud.StateConnected {
		u.startLocked()
	}
	return nil
}

// Unsubscribe removes consumer from tag. The tag leaves the poll set when its
// last consumer goes; the loop keeps running.
func (u *Updater) Unsubscribe(tagUUID, consumer string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sub, ok := u.subs[tagUUID]
	if !ok {
		return
	}
	delete(sub.consumers, consumer)
	if len(sub.consumers) == 0 {
		delete(u.subs, tagUUID)
		u.logger.Debug("Tag removed from poll set", "uuid", tagUUID)
		u.recordPollSet()
	}
}

// EnableDiscovery turns on discovery mode for consumer: fn receives every polled
// tag. Discovery stays on while at least one consumer holds it.
func (u *Updater) EnableDiscovery(consumer string, fn DataFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Updater", "EnableDiscovery", "enable discovery")
	}
	if _, dup := u.discovery[consumer]; dup {
		return nil
	}
	u.discovery[consumer] = fn
	if u.session.State() == cloud.StateConnected {
		u.startLocked()
	}
	return nil
}

// DisableDiscovery releases consumer's hold on discovery mode.
func (u *Updater) DisableDiscovery(consumer string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.discovery, consumer)
}

// PollSet returns the UUIDs of the tags being polled, sorted.
func (u *Updater) PollSet() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.subs))
	for id := range u.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RefCount returns the number of consumers of tagUUID.
func (u *Updater) RefCount(tagUUID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if sub, ok := u.subs[tagUUID]; ok {
		return len(sub.consumers)
	}
	return 0
}

// Discovery reports whether discovery mode is on.
func (u *Updater) Discovery() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.discovery) > 0
}

// Running reports whether the poll loop is active.
func (u *Updater) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancel != nil
}

// Resume starts the poll loop if it is idle. It is called on every session
// connect event.
func (u *Updater) Resume() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.startLocked()
}

func (u *Updater) startLocked() {
	if u.stopped || u.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := u.done
	u.cancel = cancel
	u.done = make(chan struct{})
	u.logger.Info("Starting tag updater", "interval", u.interval)
	go u.loop(ctx, prev, u.done)
}

// Pause stops the poll loop and keeps every subscription. A cycle in flight
// finishes in the background; a later Resume waits for it.
func (u *Updater) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
		u.logger.Info("Pausing tag updater")
	}
}

// Stop ends the poll loop and drops all subscriptions. The updater cannot be
// restarted.
func (u *Updater) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	cancel, done := u.cancel, u.done
	u.cancel = nil
	u.subs = make(map[string]*subscription)
	u.discovery = make(map[string]DataFunc)
	u.recordPollSet()
	u.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// loop polls on every tick. prev is the done channel of a paused loop, which
// must exit before this one polls.
func (u *Updater) loop(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = u.poll(ctx)
		}
	}
}

// PollOnce runs a single poll cycle synchronously, outside the ticker.
func (u *Updater) PollOnce(ctx context.Context) error {
	return u.poll(ctx)
}

func (u *Updater) request() (cloud.PollRequest, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return cloud.PollRequest{}, false
	}
	if len(u.discovery) > 0 {
		return cloud.PollRequest{All: true}, true
	}
	if len(u.subs) == 0 {
		return cloud.PollRequest{}, false
	}
	req := cloud.PollRequest{UUIDs: make([]string, 0, len(u.subs))}
	for id := range u.subs {
		req.UUIDs = append(req.UUIDs, id)
	}
	sort.Strings(req.UUIDs)
	return req, true
}

func (u *Updater) poll(ctx context.Context) error {
	req, ok := u.request()
	if !ok {
		return nil
	}

	start := time.Now()
	tags, err := u.session.Platform().PollTags(ctx, req)
	if u.metrics != nil {
		u.metrics.polls.WithLabelValues(u.session.ID()).Inc()
		u.metrics.pollDuration.WithLabelValues(u.session.ID()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		err = errors.WrapTransient(err, "Updater", "poll", "poll for updates")
		u.handleError(ctx, err)
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	if len(tags) == 0 {
		u.logger.Debug("No updates for tag consumers")
	} else {
		u.logger.Debug("New data for tags", "count", len(tags))
	}
	for _, tag := range tags {
		u.dispatch(tag)
	}
	return nil
}

func (u *Updater) dispatch(tag cloud.Tag) {
	u.mu.Lock()
	var fns []DataFunc
	if sub, ok := u.subs[tag.UUID()]; ok {
		for _, fn := range sub.consumers {
			fns = append(fns, fn)
		}
	}
	for _, fn := range u.discovery {
		fns = append(fns, fn)
	}
	u.mu.Unlock()

	for _, fn := range fns {
		fn(tag)
	}
}

// handleError reports a failed cycle and signs the session back in when the
// platform no longer considers it signed in. A failed re-authentication surfaces
// through the session's error listeners; the next attempt waits for the next
// failing tick.
func (u *Updater) handleError(ctx context.Context, err error) {
	u.logger.Warn("Polling for updates failed", "error", err)
	if u.metrics != nil {
		u.metrics.pollErrors.WithLabelValues(u.session.ID()).Inc()
	}
	if u.onError != nil {
		u.onError(u.session.ID(), err)
	}

	signedIn, qerr := u.session.IsSignedIn(ctx)
	if qerr != nil {
		u.logger.Warn("Cannot determine sign-in state", "error", qerr)
		return
	}
	if signedIn {
		u.logger.Warn("Still signed in to cloud")
		return
	}

	if u.metrics != nil {
		u.metrics.reauths.WithLabelValues(u.session.ID()).Inc()
	}
	u.logger.Info("Session signed out, signing in again")
	if cerr := u.session.Connect(ctx); cerr != nil {
		u.logger.Error("Re-authentication failed", "error", cerr)
	}
}

// recordPollSet publishes the poll set size. Callers hold u.mu.
func (u *Updater) recordPollSet() {
	if u.metrics != nil {
		u.metrics.pollSetSize.WithLabelValues(u.session.ID()).Set(float64(len(u.subs)))
	}
}
