package wirelesstag

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/cloud/simulator"
	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/nodestate"
	"github.com/c360/tagstreams/outbound"
	"github.com/c360/tagstreams/pkg/retry"
	"github.com/c360/tagstreams/tagresolve"
	"github.com/c360/tagstreams/tagupdate"
	"github.com/c360/tagstreams/types"
)

type published struct {
	subject string
	msg     outbound.Message
}

// capture records everything a node publishes.
type capture struct {
	mu   sync.Mutex
	msgs []published
}

func (c *capture) Publish(_ context.Context, subject string, data []byte) error {
	var msg outbound.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{subject: subject, msg: msg})
	return nil
}

func (c *capture) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func (c *capture) topics() map[string]int {
	counts := make(map[string]int)
	for _, p := range c.all() {
		counts[p.msg.Topic]++
	}
	return counts
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

// statuses records reported status per node.
type statuses struct {
	mu   sync.Mutex
	seen map[string][]nodestate.Status
}

func (s *statuses) Report(node string, status nodestate.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string][]nodestate.Status)
	}
	s.seen[node] = append(s.seen[node], status)
}

func (s *statuses) of(node string) []nodestate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nodestate.Status(nil), s.seen[node]...)
}

type NodeSuite struct {
	suite.Suite
	platform *simulator.Platform
	session  *cloud.Session
	sessions *cloud.Sessions
	updates  *tagupdate.Registry
	out      *capture
	status   *statuses
	nodes    []*Node
}

func TestNodeSuite(t *testing.T) {
	suite.Run(t, new(NodeSuite))
}

func (s *NodeSuite) SetupTest() {
	p, err := simulator.New(simulator.Fixture{
		TagManagers: []simulator.TagManagerFixture{{
			MAC:    "AABB",
			Name:   "Home",
			Online: true,
			Tags: []simulator.TagFixture{
				{UUID: "tag-1", Name: "Garage", SlaveID: 3, Alive: true, UpdateInterval: 600,
					Sensors: []simulator.SensorFixture{
						{Type: "temp", Reading: 21.5, EventState: "Normal", Monitoring: map[string]any{"lo": 1.0, "hi": 30.0}},
						{Type: "humidity", Reading: 40.0, EventState: "Normal"},
					}},
				{UUID: "tag-2", Name: "Attic", SlaveID: 4, Alive: true,
					Sensors: []simulator.SensorFixture{{Type: "temp", Reading: 18.0}}},
			},
		}},
	})
	s.Require().NoError(err)
	s.platform = p
	s.session = cloud.NewSession("home", p, cloud.Credentials{}, cloud.WithRetry(retry.Config{MaxAttempts: 1}))
	s.sessions = cloud.NewSessions()
	s.Require().NoError(s.sessions.Add(s.session))
	s.updates = tagupdate.NewRegistry(tagupdate.WithPollInterval(time.Hour))
	s.out = &capture{}
	s.status = &statuses{}
	s.nodes = nil
}

func (s *NodeSuite) TearDownTest() {
	for _, n := range s.nodes {
		_ = n.Stop(time.Second)
	}
	s.updates.StopAll()
}

func (s *NodeSuite) deps(name string) component.Dependencies {
	return component.Dependencies{
		Sessions:       s.sessions,
		Updates:        s.updates,
		StatusReporter: s.status,
		InstanceName:   name,
	}
}

func (s *NodeSuite) newNode(name string, cfg Config) *Node {
	n, err := NewNode(name, cfg, false, s.deps(name), WithPublisher(s.out))
	s.Require().NoError(err)
	s.nodes = append(s.nodes, n)
	return n
}

func (s *NodeSuite) start(n *Node) {
	s.Require().NoError(n.Initialize())
	s.Require().NoError(n.Start(context.Background()))
}

func (s *NodeSuite) poll() {
	u, ok := s.updates.Lookup("home")
	s.Require().True(ok, "updater exists")
	s.Require().NoError(u.PollOnce(context.Background()))
}

func (s *NodeSuite) TestFixedTagWithConnectedSession() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{
		Cloud: "home", TagManager: "AABB", Tag: tagresolve.BySlaveID(3),
		Sensor: []string{"temp"}, AutoUpdate: true,
	})
	s.start(n)

	s.Equal([]nodestate.State{nodestate.StateNoConfig, nodestate.StateDisconnected, nodestate.StateConnected},
		n.Machine().History())

	msgs := s.out.all()
	s.Require().Len(msgs, 1, "initial message for the one matching sensor")
	s.Equal(DefaultDataSubject, msgs[0].subject)
	s.Equal("AABB/3/temp", msgs[0].msg.Topic)
	s.Equal(21.5, msgs[0].msg.Payload.Reading)
	s.Equal("Garage", msgs[0].msg.Tag.Name)
	s.Equal(map[string]any{"lo": 1.0, "hi": 30.0}, msgs[0].msg.SensorConfig)

	s.poll()
	s.Len(s.out.all(), 2, "one message per sensor per poll cycle")
	s.NotContains(n.Machine().History(), nodestate.StateError)
	s.Contains(s.status.of("garage"), nodestate.StatusSendingData)

	health := n.Health()
	s.True(health.Healthy)
	s.Equal("healthy", health.Status)
	s.Equal(int64(2), n.messagesSent.Load())
}

func (s *NodeSuite) TestSharedSessionReconnect() {
	s.Require().NoError(s.session.Connect(context.Background()))
	garage := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"),
		Sensor: []string{"temp"}, AutoUpdate: true})
	attic := s.newNode("attic", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.BySlaveID(4),
		AutoUpdate: true})
	s.start(garage)
	s.start(attic)
	s.Equal(map[string]int{"AABB/3/temp": 1, "AABB/4/temp": 1}, s.out.topics())

	u, ok := s.updates.Lookup("home")
	s.Require().True(ok)
	s.Equal([]string{"tag-1", "tag-2"}, u.PollSet())

	s.platform.DropConnection(stderrors.New("socket closed"))
	s.Equal(nodestate.StateDisconnected, garage.Machine().State())
	s.Equal("degraded", garage.Health().Status)

	s.Require().NoError(s.session.Connect(context.Background()))
	s.Equal(nodestate.StateConnected, garage.Machine().State())
	s.Equal(nodestate.StateConnected, attic.Machine().State())
	s.Equal(1, u.RefCount("tag-1"), "reconnect does not register again")
	s.Equal(1, u.RefCount("tag-2"))

	s.out.reset()
	s.platform.ResetCalls()
	s.poll()
	s.Equal(map[string]int{"AABB/3/temp": 1, "AABB/4/temp": 1}, s.out.topics(), "one message per topic per cycle")
	s.Equal(1, s.platform.Calls(simulator.OpPollTags), "one batched poll for both nodes")
}

func (s *NodeSuite) TestWaitsForConnect() {
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"), AutoUpdate: true})
	s.start(n)
	s.Equal(nodestate.StateDisconnected, n.Machine().State())
	s.Empty(s.out.all())
	s.Equal("degraded", n.Health().Status)

	s.Require().NoError(s.session.Connect(context.Background()))
	s.Equal(nodestate.StateConnected, n.Machine().State())
	s.Equal(map[string]int{"AABB/3/temp": 1, "AABB/3/humidity": 1}, s.out.topics())
}

func (s *NodeSuite) TestNoCloud() {
	n := s.newNode("orphan", Config{Cloud: "nowhere"})
	s.start(n)
	s.Equal(nodestate.StateNoConfig, n.Machine().State())
	s.Equal([]nodestate.Status{nodestate.StatusNoConfig}, s.status.of("orphan"))

	health := n.Health()
	s.False(health.Healthy)
	s.Equal(nodestate.StatusNoConfig.Text, health.LastError)

	s.Require().NoError(n.HandleInput([]byte(`{"tag":{"uuid":"tag-1"}}`)))
	s.waitProcessed(n, 1)
	s.Equal(int64(1), n.pool.Stats().Failed, "inbound needs a session")
	s.Equal(0, s.platform.Calls(simulator.OpDiscoverTagManagers))
}

func (s *NodeSuite) TestSensorFilterMatchingNothing() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"),
		Sensor: []string{"motion"}, AutoUpdate: true})
	s.start(n)

	s.Empty(s.out.all())
	s.Equal(nodestate.StateConnected, n.Machine().State(), "send failures do not change state")
	s.Contains(n.Health().LastError, "does not have sensor")
}

func (s *NodeSuite) TestCustomTopic() {
	s.Require().NoError(s.session.Connect(context.Background()))
	verbatim := s.newNode("verbatim", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-2"),
		Topic: "house/attic"})
	prefixed := s.newNode("prefixed", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-2"),
		Topic: "house/", TopicIsPrefix: true})
	s.start(verbatim)
	s.start(prefixed)
	s.Equal(map[string]int{"house/attic": 1, "house/AABB/4/temp": 1}, s.out.topics())

	_, ok := s.updates.Lookup("home")
	s.False(ok, "nodes without auto-update never create an updater")
}

func (s *NodeSuite) TestStopReleasesEverything() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"), AutoUpdate: true})
	s.start(n)
	u, ok := s.updates.Lookup("home")
	s.Require().True(ok)
	s.Equal(1, u.RefCount("tag-1"))
	s.Equal(1, n.resolver.Cached())

	s.Require().NoError(n.Stop(time.Second))
	s.Equal(0, u.RefCount("tag-1"))
	s.Empty(u.PollSet())
	s.Equal(0, n.resolver.Cached())
	s.NoError(n.Stop(time.Second), "idempotent")

	s.out.reset()
	s.Require().NoError(s.session.Connect(context.Background()))
	s.poll()
	s.Empty(s.out.all(), "a stopped node sends nothing")
	s.Error(n.Start(context.Background()))
}

func (s *NodeSuite) TestStopBeforeStart() {
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"), AutoUpdate: true})
	s.NoError(n.Stop(time.Second))
	s.False(n.Health().Healthy)
}

func (s *NodeSuite) TestDiscoveryNode() {
	s.Require().NoError(s.session.Connect(context.Background()))
	d, err := CreateDiscoveryNode(json.RawMessage(`{"cloud":"home","sensor":["temp"],"auto_update":true}`), s.deps("all"))
	s.Require().NoError(err)
	n := d.(*Node)
	n.publisher = s.out
	s.nodes = append(s.nodes, n)
	s.True(n.config.AutoDiscover)
	s.False(n.config.AutoUpdate, "auto-update is not supported")

	s.start(n)
	s.Empty(s.out.all(), "nothing is sent before the first poll")
	u, ok := s.updates.Lookup("home")
	s.Require().True(ok)
	s.True(u.Discovery())

	s.poll()
	s.Equal(map[string]int{"AABB/3/temp": 1, "AABB/4/temp": 1}, s.out.topics())

	s.Require().NoError(n.Stop(time.Second))
	s.False(u.Discovery())
}

func (s *NodeSuite) waitProcessed(n *Node, count int64) {
	s.Eventually(func() bool {
		return n.pool.Stats().Processed >= count
	}, time.Second, 5*time.Millisecond)
}

func (s *NodeSuite) TestInboundWithoutFixedTag() {
	s.Require().NoError(s.session.Connect(context.Background()))
	d, err := CreateDiscoveryNode(json.RawMessage(`{"cloud":"home"}`), s.deps("all"))
	s.Require().NoError(err)
	n := d.(*Node)
	s.nodes = append(s.nodes, n)
	s.start(n)
	s.platform.ResetCalls()

	s.Require().NoError(n.HandleInput([]byte(
		`{"payload":{"armed":true,"sensor":"temp"},"tag":{"uuid":"tag-1"},"tagManager":{"mac":"AABB"}}`)))
	s.waitProcessed(n, 1)
	s.Equal(1, s.platform.Calls(simulator.OpArm))

	// bare trigger: discovery nodes default to a live read
	s.Require().NoError(n.HandleInput([]byte(`{"payload":1700000000,"tag":{"slaveId":4},"tagManager":{"mac":"AABB"}}`)))
	s.waitProcessed(n, 2)
	s.Equal(1, s.platform.Calls(simulator.OpLiveUpdate))
	s.Equal(0, s.platform.Calls(simulator.OpUpdate))

	s.Require().NoError(n.HandleInput([]byte(
		`{"payload":{"immediate":false},"tag":{"slaveId":4},"tagManager":{"mac":"AABB"}}`)))
	s.waitProcessed(n, 3)
	s.Equal(1, s.platform.Calls(simulator.OpUpdate))

	// arm needs a single sensor; tag-1 has two
	s.Require().NoError(n.HandleInput([]byte(`{"payload":{"armed":false},"tag":{"uuid":"tag-1"},"tagManager":{"mac":"AABB"}}`)))
	s.waitProcessed(n, 4)
	s.Equal(0, s.platform.Calls(simulator.OpDisarm))

	s.Require().NoError(n.HandleInput([]byte(`{"payload":{}}`)))
	s.waitProcessed(n, 5)
	s.Equal(int64(2), n.pool.Stats().Failed)
	s.Contains(n.Health().LastError, "tag not specified")

	reported := s.status.of("all")
	s.Require().NotEmpty(reported)
	s.Contains(reported, nodestate.StatusProcessing)
	s.Equal(nodestate.StatusConnected, reported[len(reported)-1], "status returns to connected after processing")
}

func (s *NodeSuite) TestInboundUnknownSensorType() {
	s.Require().NoError(s.session.Connect(context.Background()))
	d, err := CreateDiscoveryNode(json.RawMessage(`{"cloud":"home"}`), s.deps("all"))
	s.Require().NoError(err)
	n := d.(*Node)
	s.nodes = append(s.nodes, n)
	s.start(n)
	s.platform.ResetCalls()
	ctx := context.Background()

	_, err = n.apply(ctx, []byte(
		`{"tag":{"uuid":"tag-1"},"tagManager":{"mac":"AABB"},"payload":{"sensor":"motion","immediate":true}}`))
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrSensorNotFound))
	s.True(errors.IsInvalid(err))
	s.Equal(0, s.platform.Calls(simulator.OpLiveUpdate), "no read for a sensor the tag lacks")
	s.Equal(0, s.platform.Calls(simulator.OpUpdate))

	_, err = n.apply(ctx, []byte(
		`{"tag":{"uuid":"tag-1"},"tagManager":{"mac":"AABB"},"payload":{"armed":true,"sensor":"motion"}}`))
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrSensorNotFound))
	s.False(stderrors.Is(err, errors.ErrAmbiguousTarget))
	s.Equal(0, s.platform.Calls(simulator.OpArm))

	s.Require().NoError(n.HandleInput([]byte(
		`{"tag":{"uuid":"tag-1"},"tagManager":{"mac":"AABB"},"payload":{"sensor":"motion"}}`)))
	s.waitProcessed(n, 1)
	s.Equal(int64(1), n.pool.Stats().Failed)
	s.Contains(n.Health().LastError, "does not have sensor")
}

func (s *NodeSuite) TestInboundFixedTagSensorFilterMatchingNothing() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"),
		Sensor: []string{"motion", "light"}})
	s.start(n)
	s.platform.ResetCalls()

	_, err := n.apply(context.Background(), []byte(`{"payload":{"immediate":true}}`))
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrSensorNotFound))
	s.Equal(0, s.platform.Calls(simulator.OpLiveUpdate))
}

func (s *NodeSuite) TestStopDuringStartup() {
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"), AutoUpdate: true})
	s.start(n)
	s.Equal(nodestate.StateDisconnected, n.Machine().State())

	entered, release := s.platform.Hold(simulator.OpDiscoverTags)
	defer release()
	connected := make(chan error, 1)
	go func() { connected <- s.session.Connect(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		s.FailNow("startup never reached tag discovery")
	}
	s.Require().NoError(n.Stop(time.Second))
	release()

	select {
	case err := <-connected:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.FailNow("connect did not return")
	}

	_, ok := s.updates.Lookup("home")
	s.False(ok, "a node stopped during startup registers nothing")
	s.Empty(s.out.all())
	s.Equal(0, n.resolver.Cached())
	n.mu.Lock()
	s.False(n.subscribed)
	s.Nil(n.sub)
	n.mu.Unlock()
}

func (s *NodeSuite) TestRegistrationAfterStopIsUndone() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"), AutoUpdate: true})
	tag, err := n.resolver.Resolve(context.Background(), "AABB", tagresolve.ByUUID("tag-1"))
	s.Require().NoError(err)
	s.Require().NoError(n.Stop(time.Second))

	s.False(n.registerTag(tag))
	u, ok := s.updates.Lookup("home")
	s.Require().True(ok)
	s.Equal(0, u.RefCount("tag-1"))
	s.Empty(u.PollSet())
	s.False(n.subscribed)

	undone := false
	s.False(n.keep(func() { s.Fail("recorded after stop") }, func() { undone = true }))
	s.True(undone)
}

func (s *NodeSuite) TestInboundFixedTagResends() {
	s.Require().NoError(s.session.Connect(context.Background()))
	n := s.newNode("garage", Config{Cloud: "home", TagManager: "AABB", Tag: tagresolve.ByUUID("tag-1"),
		Sensor: []string{"temp"}})
	s.start(n)
	s.Len(s.out.all(), 1)

	s.Require().NoError(n.HandleInput([]byte(`{"payload":{"sensorConfig":{"hi":25}}}`)))
	s.waitProcessed(n, 1)
	s.Equal(1, s.platform.Calls(simulator.OpSaveConfig))

	msgs := s.out.all()
	s.Require().Len(msgs, 2, "new state is sent when nothing polls the tag")
	s.Equal(25.0, msgs[1].msg.SensorConfig["hi"])

	// unknown keys are rejected without saving
	s.Require().NoError(n.HandleInput([]byte(`{"payload":{"sensorConfig":{"bogus":1}}}`)))
	s.waitProcessed(n, 2)
	s.Equal(1, s.platform.Calls(simulator.OpSaveConfig))
	s.Equal(int64(1), n.pool.Stats().Failed)
}

func TestFactories(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Equal(t, []string{"wirelesstag", "wirelesstag-all"}, registry.ListComponentTypes())

	sessions := cloud.NewSessions()
	deps := component.Dependencies{Sessions: sessions, Updates: tagupdate.NewRegistry(), MetricsRegistry: metric.NewMetricsRegistry()}

	comp, err := registry.CreateComponent("garage-node", types.ComponentConfig{
		Type: types.ComponentTypeInput, Name: "wirelesstag", Enabled: true,
		Config: json.RawMessage(`{"cloud":"home","tag_manager":"AABB","tag":"tag-1"}`),
	}, deps)
	require.NoError(t, err)
	n := comp.(*Node)
	assert.Equal(t, "garage-node", n.Meta().Name)
	assert.True(t, n.config.AutoUpdate, "auto-update defaults on")
	assert.Equal(t, tagresolve.ByUUID("tag-1"), n.config.Tag)
	assert.Nil(t, n.Session(), "cloud home is not configured")
	assert.Equal(t, "tagstreams.wirelesstag.garage-node.in", component.SubjectOf(n.InputPorts(), PortCommands))
	assert.Equal(t, DefaultDataSubject, component.SubjectOf(n.OutputPorts(), PortSensorData))

	_, err = registry.CreateComponent("bad", types.ComponentConfig{
		Type: types.ComponentTypeInput, Name: "wirelesstag", Enabled: true,
		Config: json.RawMessage(`{"cloud":"home","tag":3}`),
	}, deps)
	assert.Error(t, err, "tag without tag manager")

	comp, err = registry.CreateComponent("ported", types.ComponentConfig{
		Type: types.ComponentTypeInput, Name: "wirelesstag-all", Enabled: true,
		Config: json.RawMessage(`{"cloud":"home","ports":{"outputs":[{"name":"sensor_data","subject":"site.readings"}]}}`),
	}, deps)
	require.NoError(t, err)
	assert.Equal(t, "site.readings", component.SubjectOf(comp.OutputPorts(), PortSensorData))
	_, hasAutoUpdate := comp.ConfigSchema().Properties["auto_update"]
	assert.False(t, hasAutoUpdate)
}

func TestConfig_Validate(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"fixed tag", Config{TagManager: "AABB", Tag: tagresolve.ByUUID("x")}, false},
		{"tag without manager", Config{Tag: tagresolve.BySlaveID(1)}, true},
		{"bad mac", Config{TagManager: "not-a-mac"}, true},
		{"negative slave id", Config{TagManager: "AABB", Tag: tagresolve.TagID{SlaveID: &negative}}, true},
		{"empty sensor", Config{Sensor: []string{""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "garage_node_1", metricName("garage-node.1"))
}
