// Package simulator implements cloud.Platform in memory. The binary serves it when
// a cloud is configured with a simulator fixture, and tests drive it directly to
// inject faults and count remote calls.
package simulator

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/pkg/deepmerge"
)

// Remote operations, as counted by Calls and targeted by Fail.
const (
	OpSignIn              = "SignIn"
	OpSignOff             = "SignOff"
	OpIsSignedIn          = "IsSignedIn"
	OpDiscoverTagManagers = "DiscoverTagManagers"
	OpPollTags            = "PollTags"
	OpDiscoverTags        = "DiscoverTags"
	OpDiscoverSensors     = "DiscoverSensors"
	OpSetUpdateInterval   = "SetUpdateInterval"
	OpLiveUpdate          = "LiveUpdate"
	OpUpdate              = "Update"
	OpArm                 = "Arm"
	OpDisarm              = "Disarm"
	OpFetchConfig         = "FetchMonitoringConfig"
	OpSaveConfig          = "SaveMonitoringConfig"
)

// Platform is an in-memory cloud.Platform.
type Platform struct {
	mu       sync.Mutex
	username string
	password string
	signedIn bool
	managers []*tagManager
	calls    map[string]int
	faults   map[string]error
	lostFns  []func(error)
	polled   [][]string
	holds    map[string]*hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	waiting int
}

var (
	_ cloud.Platform           = (*Platform)(nil)
	_ cloud.ConnectionNotifier = (*Platform)(nil)
)

// New builds a platform serving the fixture. Empty fixture credentials accept
// any sign-in.
func New(f Fixture) (*Platform, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}
	p := &Platform{
		username: f.Username,
		password: f.Password,
		calls:    make(map[string]int),
		faults:   make(map[string]error),
		holds:    make(map[string]*hold),
	}
	for _, mf := range f.TagManagers {
		mgr := &tagManager{p: p, mac: mf.MAC, name: mf.Name, online: mf.Online}
		for _, tf := range mf.Tags {
			t := &tag{
				p:              p,
				mgr:            mgr,
				uuid:           tf.UUID,
				name:           tf.Name,
				slaveID:        tf.SlaveID,
				alive:          tf.Alive,
				updateInterval: tf.UpdateInterval,
			}
			for _, sf := range tf.Sensors {
				cfg := deepmerge.Clone(sf.Monitoring).(map[string]any)
				t.sensors = append(t.sensors, &sensor{
					p:                 p,
					tag:               t,
					sensorType:        sf.Type,
					reading:           sf.Reading,
					eventState:        sf.EventState,
					armed:             sf.Armed,
					probeType:         sf.ProbeType,
					probeDisconnected: sf.ProbeDisconnected,
					config:            cfg,
					cached:            deepmerge.Clone(cfg).(map[string]any),
				})
			}
			mgr.tags = append(mgr.tags, t)
		}
		p.managers = append(p.managers, mgr)
	}
	return p, nil
}

// Fail makes every call of op return err until cleared with a nil err.
func (p *Platform) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.faults, op)
		return
	}
	p.faults[op] = err
}

// Hold blocks discovery and poll calls of op until release runs. entered is
// closed once the first held call is waiting.
func (p *Platform) Hold(op string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	p.mu.Lock()
	p.holds[op] = h
	p.mu.Unlock()

	var once sync.Once
	return h.entered, func() {
		once.Do(func() {
			p.mu.Lock()
			if p.holds[op] == h {
				delete(p.holds, op)
			}
			p.mu.Unlock()
			close(h.release)
		})
	}
}

// wait parks the caller while op is held. It runs before p.mu is taken.
func (p *Platform) wait(op string) {
	p.mu.Lock()
	h := p.holds[op]
	p.mu.Unlock()
	if h == nil {
		return
	}
	p.mu.Lock()
	h.waiting++
	p.mu.Unlock()
	h.once.Do(func() { close(h.entered) })
	<-h.release

	p.mu.Lock()
	h.waiting--
	p.mu.Unlock()
}

// Held returns how many calls of op are parked by Hold right now.
func (p *Platform) Held(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h := p.holds[op]; h != nil {
		return h.waiting
	}
	return 0
}

// Calls returns how often op was invoked.
func (p *Platform) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// ResetCalls zeroes the call counters.
func (p *Platform) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[string]int)
	p.polled = nil
}

// PolledUUIDs returns the tag UUIDs requested by each PollTags call so far.
func (p *Platform) PolledUUIDs() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.polled))
	copy(out, p.polled)
	return out
}

// ExpireSession signs the platform out without telling anyone, the way a
// server-side session timeout would.
func (p *Platform) ExpireSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedIn = false
}

// DropConnection signs out and notifies connection-loss listeners.
func (p *Platform) DropConnection(cause error) {
	p.mu.Lock()
	p.signedIn = false
	fns := append([]func(error){}, p.lostFns...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(cause)
	}
}

// SetReading changes a sensor reading, as the next poll would observe it.
func (p *Platform) SetReading(tagUUID, sensorType string, reading any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mgr := range p.managers {
		for _, t := range mgr.tags {
			if t.uuid != tagUUID {
				continue
			}
			for _, s := range t.sensors {
				if s.sensorType == sensorType {
					s.reading = reading
					return nil
				}
			}
			return fmt.Errorf("%w: %s", errors.ErrSensorNotFound, sensorType)
		}
	}
	return fmt.Errorf("%w: %s", errors.ErrTagNotFound, tagUUID)
}

// begin counts op and returns the injected fault, or ErrNotSignedIn when the
// call needs a session. Callers hold p.mu.
func (p *Platform) begin(op string, needsSession bool) error {
	p.calls[op]++
	if err := p.faults[op]; err != nil {
		return err
	}
	if needsSession && !p.signedIn {
		return &errors.APIError{StatusCode: 401, Fault: errors.ErrNotSignedIn.Error()}
	}
	return nil
}

// NotifyConnectionLost implements cloud.ConnectionNotifier.
func (p *Platform) NotifyConnectionLost(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostFns = append(p.lostFns, fn)
}

// SignIn implements cloud.Platform.
func (p *Platform) SignIn(_ context.Context, creds cloud.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpSignIn, false); err != nil {
		return err
	}
	if p.username != "" && (creds.Username != p.username || creds.Password != p.password) {
		return fmt.Errorf("sign in as %q: %w", creds.Username, errors.ErrUnauthorized)
	}
	p.signedIn = true
	return nil
}

// SignOff implements cloud.Platform.
func (p *Platform) SignOff(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpSignOff, false); err != nil {
		return err
	}
	p.signedIn = false
	return nil
}

// IsSignedIn implements cloud.Platform.
func (p *Platform) IsSignedIn(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpIsSignedIn, false); err != nil {
		return false, err
	}
	return p.signedIn, nil
}

// DiscoverTagManagers implements cloud.Platform.
func (p *Platform) DiscoverTagManagers(_ context.Context) ([]cloud.TagManager, error) {
	p.wait(OpDiscoverTagManagers)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpDiscoverTagManagers, true); err != nil {
		return nil, err
	}
	out := make([]cloud.TagManager, 0, len(p.managers))
	for _, mgr := range p.managers {
		out = append(out, mgr)
	}
	return out, nil
}

// PollTags implements cloud.Platform. Every requested tag that exists counts as
// updated.
func (p *Platform) PollTags(_ context.Context, req cloud.PollRequest) ([]cloud.Tag, error) {
	p.wait(OpPollTags)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpPollTags, true); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(req.UUIDs))
	for _, id := range req.UUIDs {
		want[id] = true
	}
	var out []cloud.Tag
	var polled []string
	for _, mgr := range p.managers {
		for _, t := range mgr.tags {
			if req.All || want[t.uuid] {
				out = append(out, t)
				polled = append(polled, t.uuid)
			}
		}
	}
	p.polled = append(p.polled, polled)
	return out, nil
}

type tagManager struct {
	p      *Platform
	mac    string
	name   string
	online bool
	tags   []*tag
}

func (m *tagManager) MAC() string  { return m.mac }
func (m *tagManager) Name() string { return m.name }
func (m *tagManager) Online() bool { return m.online }

func (m *tagManager) DiscoverTags(_ context.Context, filter cloud.TagFilter) ([]cloud.Tag, error) {
	m.p.wait(OpDiscoverTags)
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	if err := m.p.begin(OpDiscoverTags, true); err != nil {
		return nil, err
	}
	var out []cloud.Tag
	for _, t := range m.tags {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

type tag struct {
	p              *Platform
	mgr            *tagManager
	uuid           string
	name           string
	slaveID        int
	alive          bool
	updateInterval int
	sensors        []*sensor
}

func (t *tag) UUID() string              { return t.uuid }
func (t *tag) SlaveID() int              { return t.slaveID }
func (t *tag) Name() string              { return t.name }
func (t *tag) Manager() cloud.TagManager { return t.mgr }

func (t *tag) Alive() bool {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return t.alive
}

func (t *tag) UpdateInterval() int {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return t.updateInterval
}

func (t *tag) SensorCapabilities() []string {
	out := make([]string, 0, len(t.sensors))
	for _, s := range t.sensors {
		out = append(out, s.sensorType)
	}
	return out
}

func (t *tag) DiscoverSensors(_ context.Context) ([]cloud.Sensor, error) {
	t.p.wait(OpDiscoverSensors)
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if err := t.p.begin(OpDiscoverSensors, true); err != nil {
		return nil, err
	}
	out := make([]cloud.Sensor, 0, len(t.sensors))
	for _, s := range t.sensors {
		out = append(out, s)
	}
	return out, nil
}

func (t *tag) SetUpdateInterval(_ context.Context, seconds int) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if err := t.p.begin(OpSetUpdateInterval, true); err != nil {
		return err
	}
	if seconds <= 0 {
		return &errors.APIError{StatusCode: 400, Fault: fmt.Sprintf("invalid update interval %d", seconds)}
	}
	t.updateInterval = seconds
	return nil
}

func (t *tag) LiveUpdate(_ context.Context) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return t.p.begin(OpLiveUpdate, true)
}

func (t *tag) Update(_ context.Context) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return t.p.begin(OpUpdate, true)
}

type sensor struct {
	p                 *Platform
	tag               *tag
	sensorType        string
	reading           any
	eventState        string
	armed             bool
	probeType         string
	probeDisconnected bool
	config            map[string]any
	cached            map[string]any
}

func (s *sensor) Type() string   { return s.sensorType }
func (s *sensor) Tag() cloud.Tag { return s.tag }

func (s *sensor) Reading() any {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.reading
}

func (s *sensor) EventState() string {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.eventState
}

func (s *sensor) IsArmed() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.armed
}

func (s *sensor) Probe() (string, bool, bool) {
	if s.probeType == "" {
		return "", false, false
	}
	return s.probeType, s.probeDisconnected, true
}

func (s *sensor) Arm(_ context.Context) error {
	return s.setArmed(OpArm, true)
}

func (s *sensor) Disarm(_ context.Context) error {
	return s.setArmed(OpDisarm, false)
}

func (s *sensor) setArmed(op string, armed bool) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if err := s.p.begin(op, true); err != nil {
		return err
	}
	s.armed = armed
	return nil
}

func (s *sensor) MonitoringConfig() map[string]any {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.cached
}

func (s *sensor) FetchMonitoringConfig(_ context.Context) (map[string]any, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if err := s.p.begin(OpFetchConfig, true); err != nil {
		return nil, err
	}
	s.cached = deepmerge.Clone(s.config).(map[string]any)
	return deepmerge.Clone(s.config).(map[string]any), nil
}

func (s *sensor) SaveMonitoringConfig(_ context.Context, cfg map[string]any) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if err := s.p.begin(OpSaveConfig, true); err != nil {
		return err
	}
	s.config = deepmerge.Clone(cfg).(map[string]any)
	s.cached = deepmerge.Clone(cfg).(map[string]any)
	return nil
}
