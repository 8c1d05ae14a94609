// Package mqtt provides the MQTT bridge output: it subscribes to outbound sensor
// messages on NATS and republishes each one on the MQTT topic the message carries.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/natsclient"
	"github.com/c360/tagstreams/pkg/security"
	"github.com/c360/tagstreams/pkg/tlsutil"
)

// Config holds configuration for the MQTT bridge
type Config struct {
	Ports       *component.PortConfig `json:"ports,omitempty"`
	Broker      string                `json:"broker"`
	ClientID    string                `json:"client_id,omitempty"`
	Username    string                `json:"username,omitempty"`
	Password    string                `json:"password,omitempty"`
	QoS         int                   `json:"qos"`
	Retain      bool                  `json:"retain"`
	TopicPrefix string                `json:"topic_prefix,omitempty"`
	// FullMessage publishes the whole message instead of its payload.
	FullMessage bool `json:"full_message"`
	Timeout     int  `json:"timeout"` // seconds

	// TLS applies to ssl, tls, mqtts and wss brokers. Those use the system CA
	// bundle when TLS is nil.
	TLS *security.ClientTLSConfig `json:"tls,omitempty"`
}

// secure reports whether the broker URL needs a TLS connection.
func (c *Config) secure() bool {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "broker is required")
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid broker URL")
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unsupported broker scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"Config", "Validate", "broker scheme check")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "qos must be 0, 1 or 2")
	}
	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}
	return nil
}

// DefaultConfig returns default configuration for the MQTT bridge
func DefaultConfig() Config {
	return Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{{
				Name:        "sensor_data",
				Type:        "nats",
				Subject:     "tagstreams.wirelesstag.data",
				Required:    true,
				Description: "Outbound sensor messages to republish",
			}},
		},
		Broker:  "tcp://localhost:1883",
		QoS:     0,
		Timeout: 10,
	}
}

var mqttSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"broker":       {Type: "string", Description: "MQTT broker URL", Default: "tcp://localhost:1883", Category: "basic"},
		"client_id":    {Type: "string", Description: "MQTT client id, the instance name when empty", Category: "advanced"},
		"username":     {Type: "string", Description: "Broker username", Category: "advanced"},
		"password":     {Type: "string", Description: "Broker password", Category: "advanced"},
		"qos":          {Type: "int", Description: "Publish QoS", Default: 0, Minimum: intPtr(0), Maximum: intPtr(2), Category: "basic"},
		"retain":       {Type: "bool", Description: "Publish retained messages", Default: false, Category: "advanced"},
		"topic_prefix": {Type: "string", Description: "Prepended to every topic", Category: "basic"},
		"full_message": {Type: "bool", Description: "Publish the whole message rather than its payload", Default: false, Category: "advanced"},
		"timeout":      {Type: "int", Description: "Connect and publish timeout (sec)", Default: 10, Minimum: intPtr(0), Maximum: intPtr(300), Category: "advanced"},
		"ports":        {Type: "ports", Description: "NATS subjects carrying outbound messages", Category: "basic"},
		"tls":          {Type: "object", Description: "TLS settings for secure brokers (ca_files, mtls, min_version)", Category: "advanced"},
	},
	Required: []string{"broker"},
}

func intPtr(v int) *int { return &v }

// Client is the part of the MQTT client the bridge uses.
type Client interface {
	Connect(timeout time.Duration) error
	Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error
	IsConnected() bool
	Disconnect()
}

// pahoClient adapts the paho client to Client.
type pahoClient struct {
	client paho.Client
}

func newPahoClient(cfg Config, clientID string, tlsConfig *tls.Config, logger *slog.Logger) *pahoClient {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("Lost connection to MQTT broker", "error", err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("Connected to MQTT broker", "broker", cfg.Broker)
	})
	return &pahoClient{client: paho.NewClient(opts)}
}

func (p *pahoClient) Connect(timeout time.Duration) error {
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect timed out after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out after %v", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}

func (p *pahoClient) Disconnect() {
	p.client.Disconnect(250)
}

// Metrics holds Prometheus metrics for the bridge
type Metrics struct {
	published *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tagstreams",
			Subsystem:   "mqtt",
			Name:        "messages_total",
			Help:        "Messages handled by the MQTT bridge, by result",
			ConstLabels: prometheus.Labels{"component": name},
		}, []string{"result"}),
	}
	registry.RegisterCounterVec("mqtt_"+name, "messages_total", m.published)
	return m
}

func (m *Metrics) record(result string) {
	if m != nil {
		m.published.WithLabelValues(result).Inc()
	}
}

// Option configures an Output.
type Option func(*Output)

// WithClient replaces the paho client.
func WithClient(c Client) Option {
	return func(o *Output) {
		if c != nil {
			o.client = c
		}
	}
}

// Output republishes NATS messages to MQTT
type Output struct {
	name       string
	config     Config
	subjects   []string
	natsClient *natsclient.Client
	client     Client
	logger     *slog.Logger
	metrics    *Metrics
	timeout    time.Duration

	lifecycleMu sync.Mutex
	running     bool
	subs        []*nats.Subscription
	startTime   time.Time

	messagesSent atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string
}

// NewOutput creates the bridge from configuration
func NewOutput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Output", "NewOutput", "config unmarshal")
	}
	name := deps.InstanceName
	if name == "" {
		name = "mqtt"
	}
	return New(name, cfg, deps)
}

// New creates a bridge named name.
func New(name string, cfg Config, deps component.Dependencies, opts ...Option) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ports == nil {
		cfg.Ports = DefaultConfig().Ports
	}

	var subjects []string
	for _, input := range cfg.Ports.Inputs {
		if input.Subject != "" {
			subjects = append(subjects, input.Subject)
		}
	}
	if len(subjects) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Output", "New", "at least one input subject is required")
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tagstreams-" + name
	}

	o := &Output{
		name:       name,
		config:     cfg,
		subjects:   subjects,
		natsClient: deps.NATSClient,
		logger:     deps.GetLoggerWithComponent("mqtt-output"),
		metrics:    newMetrics(deps.MetricsRegistry, name),
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		var tlsConfig *tls.Config
		if cfg.TLS != nil || cfg.secure() {
			var tlsCfg security.ClientTLSConfig
			if cfg.TLS != nil {
				tlsCfg = *cfg.TLS
			}
			loaded, err := tlsutil.LoadClientTLSConfig(tlsCfg)
			if err != nil {
				return nil, errors.Wrap(err, "Output", "New", "load TLS config")
			}
			tlsConfig = loaded
		}
		o.client = newPahoClient(cfg, clientID, tlsConfig, o.logger)
	}
	return o, nil
}

// Initialize prepares the output (no-op for the MQTT bridge)
func (o *Output) Initialize() error {
	return nil
}

// Start connects to the broker and subscribes to the input subjects.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return errors.WrapInvalid(fmt.Errorf("mqtt output %s already running", o.name), "Output", "Start", "check running state")
	}
	if o.natsClient == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Output", "Start", "NATS client required")
	}

	if err := o.client.Connect(o.timeout); err != nil {
		return errors.WrapTransient(err, "Output", "Start", "connect to broker")
	}

	for _, subject := range o.subjects {
		sub, err := o.natsClient.Subscribe(ctx, subject, o.handleMessage)
		if err != nil {
			o.unsubscribeAll()
			o.client.Disconnect()
			return errors.WrapTransient(err, "Output", "Start", fmt.Sprintf("subscribe to %s", subject))
		}
		o.subs = append(o.subs, sub)
	}

	o.running = true
	o.startTime = time.Now()
	o.logger.Info("MQTT bridge started", "broker", o.config.Broker, "subjects", o.subjects)
	return nil
}

// Stop unsubscribes from NATS and disconnects from the broker.
func (o *Output) Stop(_ time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running {
		return nil
	}
	o.unsubscribeAll()
	o.client.Disconnect()
	o.running = false
	return nil
}

func (o *Output) unsubscribeAll() {
	for _, sub := range o.subs {
		if err := o.natsClient.Unsubscribe(sub); err != nil {
			o.logger.Warn("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	o.subs = nil
}

// handleMessage republishes one NATS message.
func (o *Output) handleMessage(_ context.Context, data []byte) {
	o.lastActivity.Store(time.Now())

	topic, payload, err := Extract(data, o.config.TopicPrefix, o.config.FullMessage)
	if err != nil {
		o.fail("invalid", err)
		return
	}
	if err := o.client.Publish(topic, byte(o.config.QoS), o.config.Retain, payload, o.timeout); err != nil {
		o.fail("error", err)
		return
	}
	o.messagesSent.Add(1)
	o.metrics.record("ok")
}

func (o *Output) fail(result string, err error) {
	o.errorCount.Add(1)
	o.lastError.Store(err.Error())
	o.metrics.record(result)
	o.logger.Warn("Failed to republish message", "result", result, "error", err)
}

// Extract returns the MQTT topic and payload of an outbound message. The topic
// is prefix followed by the message topic. The payload is the message payload,
// published as-is when it is a JSON string and JSON encoded otherwise, or the
// whole message when full is set.
func Extract(data []byte, prefix string, full bool) (string, []byte, error) {
	var msg struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, errors.WrapInvalid(err, "Output", "Extract", "decode message")
	}
	if msg.Topic == "" {
		return "", nil, errors.WrapInvalid(fmt.Errorf("message has no topic"), "Output", "Extract", "read topic")
	}
	topic := prefix + msg.Topic

	if full {
		return topic, data, nil
	}
	if len(msg.Payload) == 0 {
		return topic, []byte{}, nil
	}
	var s string
	if err := json.Unmarshal(msg.Payload, &s); err == nil {
		return topic, []byte(s), nil
	}
	return topic, []byte(msg.Payload), nil
}

// Meta returns component metadata
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        o.name,
		Type:        "output",
		Description: "MQTT bridge republishing sensor messages at their topic",
		Version:     "1.0.0",
	}
}

// InputPorts returns configured input port definitions
func (o *Output) InputPorts() []component.Port {
	ports := make([]component.Port, len(o.subjects))
	for i, subj := range o.subjects {
		ports[i] = component.Port{
			Name:      fmt.Sprintf("input_%d", i),
			Direction: component.DirectionInput,
			Required:  true,
			Config:    component.NATSPort{Subject: subj},
		}
	}
	return ports
}

// OutputPorts returns the broker port
func (o *Output) OutputPorts() []component.Port {
	return []component.Port{{
		Name:        "mqtt",
		Direction:   component.DirectionOutput,
		Description: "MQTT broker",
		Config:      component.MQTTPort{Broker: o.config.Broker, Topic: o.config.TopicPrefix + "#"},
	}}
}

// ConfigSchema returns the configuration schema
func (o *Output) ConfigSchema() component.ConfigSchema {
	return mqttSchema
}

// Health returns the current health status
func (o *Output) Health() component.HealthStatus {
	o.lifecycleMu.Lock()
	running := o.running
	start := o.startTime
	o.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running && o.client.IsConnected(),
		LastCheck:  time.Now(),
		ErrorCount: int(o.errorCount.Load()),
	}
	if v, ok := o.lastError.Load().(string); ok {
		status.LastError = v
	}
	if running {
		status.Uptime = time.Since(start)
	}
	return status
}

// DataFlow returns current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	sent := o.messagesSent.Load()
	errorCount := o.errorCount.Load()

	var errorRate float64
	if total := sent + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}
	lastAct := time.Time{}
	if v, ok := o.lastActivity.Load().(time.Time); ok {
		lastAct = v
	}
	return component.FlowMetrics{
		ErrorRate:    errorRate,
		LastActivity: lastAct,
	}
}

// Register registers the MQTT bridge with the given registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "mqtt",
		Factory:     NewOutput,
		Schema:      mqttSchema,
		Type:        "output",
		Protocol:    "mqtt",
		Domain:      "network",
		Description: "MQTT bridge republishing sensor messages at their derived topic",
		Version:     "1.0.0",
	})
}
