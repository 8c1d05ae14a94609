package wirelesstag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/natsclient"
	"github.com/c360/tagstreams/nodestate"
	"github.com/c360/tagstreams/outbound"
	"github.com/c360/tagstreams/pkg/worker"
	"github.com/c360/tagstreams/router"
	"github.com/c360/tagstreams/tagresolve"
	"github.com/c360/tagstreams/tagupdate"
)

// sendingHold is how long "sending data" shows before the status reverts.
const sendingHold = time.Second

// Publisher delivers outbound messages. *natsclient.Client is one.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Option configures a Node.
type Option func(*Node)

// WithPublisher replaces the NATS client as the destination of readings.
func WithPublisher(p Publisher) Option {
	return func(n *Node) {
		if p != nil {
			n.publisher = p
		}
	}
}

// Node is a sensor node bound to one cloud session.
type Node struct {
	name      string
	discovery bool
	config    Config
	logger    *slog.Logger

	session   *cloud.Session
	updates   *tagupdate.Registry
	reporter  nodestate.Reporter
	nats      *natsclient.Client
	publisher Publisher
	registry  *metric.MetricsRegistry
	metrics   *Metrics

	builder   outbound.Builder
	router    *router.Router
	validator *router.Validator
	resolver  *tagresolve.Resolver
	machine   *nodestate.Machine
	pool      *worker.Pool[[]byte]

	inputPorts  []component.Port
	outputPorts []component.Port

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	fixedTag   cloud.Tag
	subscribed bool
	discoverOn bool
	startTime  time.Time

	running      atomic.Bool
	stopped      atomic.Bool
	messagesSent atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value // string
	lastActivity atomic.Value // time.Time
}

// NewNode creates a sensor node. It does no IO; the session is looked up but
// not contacted until Start.
func NewNode(name string, cfg Config, discovery bool, deps component.Dependencies, opts ...Option) (*Node, error) {
	if err := component.ValidateComponentName(name); err != nil {
		return nil, errors.Wrap(err, "Node", "NewNode", "name validation")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	validator, err := router.NewValidator()
	if err != nil {
		return nil, errors.WrapFatal(err, "Node", "NewNode", "load inbound schema")
	}

	n := &Node{
		name:      name,
		discovery: discovery,
		config:    cfg,
		logger:    deps.GetLoggerWithComponent("wirelesstag").With("node", name),
		updates:   deps.Updates,
		reporter:  deps.StatusReporter,
		nats:      deps.NATSClient,
		registry:  deps.MetricsRegistry,
		metrics:   newMetrics(deps.MetricsRegistry, name),
		validator: validator,
		builder:   outbound.Builder{Topic: cfg.Topic, TopicIsPrefix: cfg.TopicIsPrefix},
	}
	if deps.NATSClient != nil {
		n.publisher = deps.NATSClient
	}
	for _, opt := range opts {
		opt(n)
	}

	if cfg.Cloud != "" && deps.Sessions != nil {
		if s, ok := deps.Sessions.Get(cfg.Cloud); ok {
			n.session = s
		} else {
			n.logger.Warn("Cloud is not configured", "cloud", cfg.Cloud)
		}
	}
	if n.session != nil {
		n.resolver = tagresolve.New(n.session, n.logger)
	}

	n.router = router.New(
		router.WithLogger(n.logger),
		router.WithDefaultImmediate(cfg.AutoDiscover && cfg.Tag.IsZero()),
		router.WithMetrics(deps.MetricsRegistry, name),
	)
	n.buildPorts()
	return n, nil
}

func (n *Node) buildPorts() {
	defaultIn := []component.Port{{
		Name:        PortCommands,
		Direction:   component.DirectionInput,
		Description: "Inbound messages applied to sensors and tags",
		Config:      component.NATSPort{Subject: "tagstreams.wirelesstag." + n.name + ".in"},
	}}
	defaultOut := []component.Port{{
		Name:        PortSensorData,
		Direction:   component.DirectionOutput,
		Required:    true,
		Description: "Sensor readings",
		Config:      component.NATSPort{Subject: DefaultDataSubject},
	}}
	var inOverrides, outOverrides []component.PortDefinition
	if n.config.Ports != nil {
		inOverrides = n.config.Ports.Inputs
		outOverrides = n.config.Ports.Outputs
	}
	n.inputPorts = component.MergePortConfigs(defaultIn, inOverrides, component.DirectionInput)
	n.outputPorts = component.MergePortConfigs(defaultOut, outOverrides, component.DirectionOutput)
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Session returns the session the node is bound to, or nil.
func (n *Node) Session() *cloud.Session {
	return n.session
}

// Machine returns the node's state machine. It is nil before Initialize.
func (n *Node) Machine() *nodestate.Machine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.machine
}

// Discoverable interface implementation

// Meta returns component metadata
func (n *Node) Meta() component.Metadata {
	desc := "Wireless Tag sensor node"
	if n.discovery {
		desc = "Wireless Tag sensor node for all tags of a cloud"
	}
	return component.Metadata{
		Name:        n.name,
		Type:        "input",
		Description: desc,
		Version:     "1.0.0",
	}
}

// InputPorts returns the inbound command port
func (n *Node) InputPorts() []component.Port {
	return n.inputPorts
}

// OutputPorts returns the sensor data port
func (n *Node) OutputPorts() []component.Port {
	return n.outputPorts
}

// ConfigSchema returns the configuration schema
func (n *Node) ConfigSchema() component.ConfigSchema {
	if n.discovery {
		return discoverySchema
	}
	return nodeSchema
}

// Health maps the node state: connected is healthy, disconnected or connecting
// is degraded, error and no-config are unhealthy.
func (n *Node) Health() component.HealthStatus {
	status := component.HealthStatus{
		LastCheck:  time.Now(),
		ErrorCount: int(n.errorCount.Load()),
	}
	if v, ok := n.lastError.Load().(string); ok {
		status.LastError = v
	}
	n.mu.Lock()
	machine := n.machine
	if !n.startTime.IsZero() && n.running.Load() {
		status.Uptime = time.Since(n.startTime)
	}
	n.mu.Unlock()

	if machine == nil || !n.running.Load() {
		status.Status = "stopped"
		return status
	}

	switch machine.State() {
	case nodestate.StateConnected:
		status.Healthy = true
		status.Status = "healthy"
	case nodestate.StateDisconnected, nodestate.StateConnecting:
		status.Healthy = true
		status.Status = "degraded"
	case nodestate.StateNoConfig:
		status.Status = "unhealthy"
		if status.LastError == "" {
			status.LastError = nodestate.StatusNoConfig.Text
		}
	default:
		status.Status = "unhealthy"
	}
	return status
}

// DataFlow returns current data flow metrics
func (n *Node) DataFlow() component.FlowMetrics {
	var perSecond float64
	n.mu.Lock()
	start := n.startTime
	n.mu.Unlock()
	if !start.IsZero() {
		if secs := time.Since(start).Seconds(); secs > 0 {
			perSecond = float64(n.messagesSent.Load()) / secs
		}
	}

	lastAct := time.Time{}
	if v, ok := n.lastActivity.Load().(time.Time); ok {
		lastAct = v
	}
	var errorRate float64
	if sent := n.messagesSent.Load(); sent > 0 {
		errorRate = float64(n.errorCount.Load()) / float64(sent)
	}
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastAct,
	}
}

// Lifecycle interface implementation

// Initialize creates the state machine, which reports no-config or
// disconnected right away.
func (n *Node) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.machine != nil {
		return nil
	}
	n.machine = nodestate.New(n.name, n.session,
		nodestate.WithReporter(nodestate.Reporters{nodestate.LogReporter{Logger: n.logger}, n.reporter}),
		nodestate.WithLogger(n.logger),
		nodestate.WithTransitionHook(func(_, to nodestate.State) { n.metrics.recordState(to) }),
	)
	n.metrics.recordState(n.machine.State())
	return nil
}

// Start begins the node: inbound processing is set up and first IO runs once the
// session is connected. Connectivity errors leave the node in the error state
// and are not returned.
func (n *Node) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Node", "Start", "start node")
	}
	if !n.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(fmt.Errorf("node %s already running", n.name), "Node", "Start", "start node")
	}
	if err := n.Initialize(); err != nil {
		n.running.Store(false)
		return err
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	pool := worker.NewPool[[]byte](1, 100, n.processInput,
		worker.WithMetricsRegistry[[]byte](n.registry, "tagstreams_wirelesstag_"+metricName(n.name)))
	if err := pool.Start(nodeCtx); err != nil {
		cancel()
		n.running.Store(false)
		return errors.Wrap(err, "Node", "Start", "start input worker")
	}

	n.mu.Lock()
	n.ctx = nodeCtx
	n.cancel = cancel
	n.pool = pool
	n.startTime = time.Now()
	machine := n.machine
	n.mu.Unlock()

	if n.session == nil {
		n.logger.Warn("Node has no cloud session", "cloud", n.config.Cloud)
		return nil
	}
	if err := machine.Start(nodeCtx, n.startIO); err != nil {
		n.recordError(err)
	}
	return nil
}

// Stop tears the node down: listeners first, then subscriptions, then the tag
// cache. It is idempotent and safe before first IO happened.
func (n *Node) Stop(timeout time.Duration) error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.Lock()
	machine := n.machine
	sub := n.sub
	n.sub = nil
	fixedTag := n.fixedTag
	subscribed := n.subscribed
	n.subscribed = false
	discoverOn := n.discoverOn
	n.discoverOn = false
	pool := n.pool
	cancel := n.cancel
	n.mu.Unlock()

	if machine != nil {
		machine.Close()
	}
	if sub != nil && n.nats != nil {
		if err := n.nats.Unsubscribe(sub); err != nil {
			n.logger.Warn("Failed to unsubscribe from commands", "error", err)
		}
	}

	if subscribed && fixedTag != nil {
		n.logger.Info("Stopping updates", "tag", fixedTag.Name())
		n.updates.Unsubscribe(n.session, fixedTag.UUID(), n.name)
	}
	if discoverOn {
		n.logger.Info("Stopping auto-discovery mode updates")
		n.updates.DisableDiscovery(n.session, n.name)
	}

	var stopErr error
	if pool != nil {
		if err := pool.Stop(timeout); err != nil {
			stopErr = errors.Wrap(err, "Node", "Stop", "drain inbound messages")
		}
	}
	if cancel != nil {
		cancel()
	}
	if n.resolver != nil {
		n.resolver.Release()
	}
	n.running.Store(false)
	return stopErr
}

func (n *Node) context() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}

func (n *Node) recordError(err error) {
	n.errorCount.Add(1)
	n.lastError.Store(err.Error())
}

// metricName turns a node name into something Prometheus accepts.
func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
