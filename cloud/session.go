package cloud

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/pkg/retry"
)

// State is the connection state of a Session.
type State int32

// Session states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
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

// Poller is the polling loop a session owns. The session resumes it on every
// connect event, pauses it on disconnect and stops it when the session closes.
type Poller interface {
	Resume()
	Pause()
	Stop()
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetry sets the sign-in retry policy.
func WithRetry(cfg retry.Config) SessionOption {
	return func(s *Session) {
		s.retryCfg = cfg
	}
}

// WithMetrics publishes the session state to the core metrics.
func WithMetrics(m *metric.Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

type connectListener struct {
	fn   func()
	once bool
}

// Session owns one authenticated connection to the cloud platform. It is shared by
// every node that references the same cloud id.
type Session struct {
	id       string
	platform Platform
	creds    Credentials
	logger   *slog.Logger
	retryCfg retry.Config
	metrics  *metric.Metrics

	state atomic.Int32

	mu                  sync.Mutex
	nextID              uint64
	connectListeners    map[uint64]connectListener
	disconnectListeners map[uint64]func(error)
	errorListeners      map[uint64]func(error)
	poller              Poller
	pollerCancels       []func()
	closed              bool
}

// NewSession creates a disconnected session. Nothing is sent to the platform until
// Connect is called.
func NewSession(id string, platform Platform, creds Credentials, opts ...SessionOption) *Session {
	s := &Session{
		id:                  id,
		platform:            platform,
		creds:               creds,
		logger:              slog.Default(),
		retryCfg:            retry.DefaultConfig(),
		connectListeners:    make(map[uint64]connectListener),
		disconnectListeners: make(map[uint64]func(error)),
		errorListeners:      make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("cloud", id)
	s.setState(StateDisconnected)

	if notifier, ok := platform.(ConnectionNotifier); ok {
		notifier.NotifyConnectionLost(s.connectionLost)
	}
	return s
}

// ID returns the configured cloud id.
func (s *Session) ID() string {
	return s.id
}

// Platform returns the remote API the session is signed in to.
func (s *Session) Platform() Platform {
	return s.platform
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnecting reports whether a sign-in is in progress.
func (s *Session) IsConnecting() bool {
	return s.State() == StateConnecting
}

// IsSignedIn asks the platform whether the session is still signed in.
func (s *Session) IsSignedIn(ctx context.Context) (bool, error) {
	signedIn, err := s.platform.IsSignedIn(ctx)
	if err != nil {
		return false, errors.WrapTransient(err, "Session", "IsSignedIn", "sign-in query")
	}
	return signedIn, nil
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		s.metrics.SessionState.WithLabelValues(s.id).Set(float64(state))
	}
}

// Connect signs in to the platform and fires the connect listeners. Rejected
// credentials are not retried; the session moves to StateError and the failure is
// delivered to the error listeners.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Session", "Connect", "sign in")
	}
	if s.State() == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	err := retry.Do(ctx, s.retryCfg, func() error {
		err := s.platform.SignIn(ctx, s.creds)
		if stderrors.Is(err, errors.ErrUnauthorized) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		s.setState(StateError)
		var wrapped error
		if stderrors.Is(err, errors.ErrUnauthorized) {
			s.logger.Error("Failed to connect to cloud API", "unauthorized", true, "error", err)
			wrapped = errors.WrapFatal(err, "Session", "Connect", "sign in")
		} else {
			s.logger.Error("Sign-in to cloud failed", "error", err)
			wrapped = errors.WrapTransient(err, "Session", "Connect", "sign in")
		}
		s.ReportError(wrapped)
		return wrapped
	}

	s.setState(StateConnected)
	s.logger.Info("Signed in to cloud")
	s.fireConnect()
	return nil
}

func (s *Session) fireConnect() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.connectListeners))
	for id, l := range s.connectListeners {
		fns = append(fns, l.fn)
		if l.once {
			delete(s.connectListeners, id)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// connectionLost is called by platforms that notice the connection dropped.
func (s *Session) connectionLost(cause error) {
	if s.State() != StateConnected {
		return
	}
	s.setState(StateDisconnected)
	s.logger.Warn("Lost connection to cloud", "error", cause)

	s.mu.Lock()
	fns := make([]func(error), 0, len(s.disconnectListeners))
	for _, fn := range s.disconnectListeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cause)
	}
}

// ReportError delivers err to the error listeners.
func (s *Session) ReportError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	fns := make([]func(error), 0, len(s.errorListeners))
	for _, fn := range s.errorListeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (s *Session) register(add func(id uint64), remove func(id uint64)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	add(id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remove(id)
			s.mu.Unlock()
		})
	}
}

// OnConnect registers fn for every future connect event. The returned func
// removes the registration.
func (s *Session) OnConnect(fn func()) func() {
	return s.register(
		func(id uint64) { s.connectListeners[id] = connectListener{fn: fn} },
		func(id uint64) { delete(s.connectListeners, id) },
	)
}

// OnceConnect registers fn for the next connect event only.
func (s *Session) OnceConnect(fn func()) func() {
	return s.register(
		func(id uint64) { s.connectListeners[id] = connectListener{fn: fn, once: true} },
		func(id uint64) { delete(s.connectListeners, id) },
	)
}

// OnDisconnect registers fn for every future disconnect event.
func (s *Session) OnDisconnect(fn func(error)) func() {
	return s.register(
		func(id uint64) { s.disconnectListeners[id] = fn },
		func(id uint64) { delete(s.disconnectListeners, id) },
	)
}

// OnError registers fn for errors surfaced by the session, including failed
// re-authentication.
func (s *Session) OnError(fn func(error)) func() {
	return s.register(
		func(id uint64) { s.errorListeners[id] = fn },
		func(id uint64) { delete(s.errorListeners, id) },
	)
}

// AttachPoller hands the session its polling loop. A session owns at most one.
func (s *Session) AttachPoller(p Poller) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Session", "AttachPoller", "attach poller")
	}
	if s.poller != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "AttachPoller", "attach poller")
	}
	s.poller = p
	s.mu.Unlock()

	onConnect := s.OnConnect(p.Resume)
	onDisconnect := s.OnDisconnect(func(error) { p.Pause() })

	s.mu.Lock()
	s.pollerCancels = append(s.pollerCancels, onConnect, onDisconnect)
	s.mu.Unlock()

	if s.State() == StateConnected {
		p.Resume()
	}
	return nil
}

// Close tears the session down: the polling loop stops, the connect listener
// is detached, then the session signs off. The sign-off result is logged and
// returned. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	poller := s.poller
	cancels := s.pollerCancels
	s.poller = nil
	s.pollerCancels = nil
	s.mu.Unlock()

	if poller != nil {
		s.logger.Info("Stopping tag updater")
		poller.Stop()
	}
	for _, cancel := range cancels {
		cancel()
	}

	err := s.platform.SignOff(ctx)
	s.setState(StateDisconnected)
	if err != nil {
		s.logger.Error("Sign-off from cloud failed", "error", err)
		return errors.WrapTransient(err, "Session", "Close", "sign off")
	}
	s.logger.Info("Signed out of cloud")
	return nil
}
