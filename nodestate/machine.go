// Package nodestate tracks the connection state of a sensor node and gates its
// first IO on the cloud session being connected.
//
// A node without a session is in StateNoConfig for good. Otherwise it starts
// disconnected and asks the session where it stands rather than waiting for a
// connect event that may already have passed:
//
//  1. session connecting: wait for the next connect event;
//  2. session signed in: proceed as if connect had just fired;
//  3. neither: wait for the next connect event.
//
// The first connected transition runs the node's IO startup exactly once.
// Later reconnects only update the status.
package nodestate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tagstreams/cloud"
)

// State is the connection state of a node.
type State int

// Node states
const (
	StateNoConfig State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateError
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateNoConfig:
		return "no-config"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status returns the indicator of s. Connecting shows as disconnected.
func (s State) Status() Status {
	switch s {
	case StateNoConfig:
		return StatusNoConfig
	case StateConnected:
		return StatusConnected
	case StateError:
		return StatusError
	default:
		return StatusDisconnected
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithReporter sets where status changes go.
func WithReporter(r Reporter) Option {
	return func(m *Machine) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTransitionHook is called after every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(m *Machine) {
		m.onTransition = fn
	}
}

// Machine is the state machine of one node.
type Machine struct {
	node         string
	session      *cloud.Session
	reporter     Reporter
	logger       *slog.Logger
	onTransition func(from, to State)

	mu      sync.Mutex
	state   State
	history []State
	started bool
	closed  bool
	startIO func()
	cancels []func()
	restore *time.Timer
}

// New creates the machine of node. A nil session means the node has no cloud
// configuration.
func New(node string, session *cloud.Session, opts ...Option) *Machine {
	m := &Machine{
		node:     node,
		session:  session,
		reporter: LogReporter{},
		logger:   slog.Default(),
		state:    -1,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.transition(StateNoConfig)
	if session != nil {
		m.transition(StateDisconnected)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state the machine entered, in order.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Started reports whether the IO startup ran.
func (m *Machine) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.history = append(m.history, to)
	m.mu.Unlock()

	m.reporter.Report(m.node, to.Status())
	if m.onTransition != nil && from >= 0 {
		m.onTransition(from, to)
	}
}

// Start determines the session's connectivity and arranges for startIO to run
// on the first connected transition. A failing connectivity query moves the
// node to StateError; recovery then depends on a later connect event.
func (m *Machine) Start(ctx context.Context, startIO func()) error {
	if m.session == nil {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.startIO = startIO
	m.mu.Unlock()

	m.track(m.session.OnDisconnect(func(error) { m.transition(StateDisconnected) }))
	// registered before the query so a connect firing in between is not lost
	m.track(m.session.OnceConnect(m.firstConnect))

	if m.session.IsConnecting() {
		m.transition(StateConnecting)
		return nil
	}

	signedIn, err := m.session.IsSignedIn(ctx)
	if err != nil {
		m.transition(StateError)
		m.logger.Error("Failed to determine cloud connectivity", "node", m.node, "error", err)
		return err
	}
	if signedIn {
		m.firstConnect()
	}
	return nil
}

func (m *Machine) track(cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return
	}
	m.cancels = append(m.cancels, cancel)
}

func (m *Machine) firstConnect() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	startIO := m.startIO
	m.mu.Unlock()

	m.track(m.session.OnConnect(func() { m.transition(StateConnected) }))
	m.transition(StateConnected)
	if startIO != nil {
		startIO()
	}
}

// Fail moves the node to StateError after a local fatal error.
func (m *Machine) Fail(err error) {
	m.logger.Error("Node failed", "node", m.node, "error", err)
	m.transition(StateError)
}

// Indicate shows status without changing state. With hold > 0 the indicator
// returns to the current state's status after hold.
func (m *Machine) Indicate(status Status, hold time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.restore != nil {
		m.restore.Stop()
		m.restore = nil
	}
	if hold > 0 {
		m.restore = time.AfterFunc(hold, m.Refresh)
	}
	m.mu.Unlock()

	m.reporter.Report(m.node, status)
}

// Refresh reports the status of the current state again.
func (m *Machine) Refresh() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()
	m.reporter.Report(m.node, state.Status())
}

// Close detaches the machine from the session. It is idempotent and safe to
// call before Start.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	if m.restore != nil {
		m.restore.Stop()
		m.restore = nil
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
