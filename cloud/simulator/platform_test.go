package simulator

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
)

const fixtureYAML = `
username: alice
password: secret
tag_managers:
  - mac: "AABB"
    name: Home
    online: true
    tags:
      - uuid: "tag-1"
        name: Garage
        slave_id: 3
        alive: true
        update_interval: 600
        sensors:
          - type: temp
            reading: 21.5
            event_state: normal
            probe_type: ds18b20
            monitoring:
              lo: 10
              hi: 30
              notify: {email: "a@b.c", enabled: true}
          - type: humidity
            reading: 40
      - name: Attic
        slave_id: 4
        sensors:
          - type: temp
            reading: 18
`

func newPlatform(t *testing.T) *Platform {
	t.Helper()
	f, err := Load([]byte(fixtureYAML))
	require.NoError(t, err)
	p, err := New(f)
	require.NoError(t, err)
	return p
}

func TestLoad(t *testing.T) {
	f, err := Load([]byte(fixtureYAML))
	require.NoError(t, err)

	require.Len(t, f.TagManagers, 1)
	mgr := f.TagManagers[0]
	assert.Equal(t, "AABB", mgr.MAC)
	require.Len(t, mgr.Tags, 2)
	assert.Equal(t, "tag-1", mgr.Tags[0].UUID)
	assert.NotEmpty(t, mgr.Tags[1].UUID, "missing uuid is generated")

	temp := mgr.Tags[0].Sensors[0]
	assert.Equal(t, 21.5, temp.Reading)
	assert.Equal(t, 10, temp.Monitoring["lo"])
	assert.Equal(t, map[string]any{"email": "a@b.c", "enabled": true}, temp.Monitoring["notify"])
	assert.NotNil(t, mgr.Tags[0].Sensors[1].Monitoring)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "tag_managers: ["},
		{"missing mac", "tag_managers:\n  - name: x\n"},
		{"duplicate mac", "tag_managers:\n  - mac: A\n  - mac: A\n"},
		{"sensor without type", "tag_managers:\n  - mac: A\n    tags:\n      - sensors:\n          - reading: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestPlatform_SignIn(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	err := p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "wrong"})
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	_, err = p.DiscoverTagManagers(ctx)
	assert.Equal(t, 401, errors.StatusCode(err), "data calls need a session")

	require.NoError(t, p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "secret"}))
	signedIn, err := p.IsSignedIn(ctx)
	require.NoError(t, err)
	assert.True(t, signedIn)

	p.ExpireSession()
	signedIn, _ = p.IsSignedIn(ctx)
	assert.False(t, signedIn)
	assert.Equal(t, 2, p.Calls(OpSignIn))
}

func TestPlatform_Discovery(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	require.NoError(t, p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "secret"}))

	managers, err := p.DiscoverTagManagers(ctx)
	require.NoError(t, err)
	require.Len(t, managers, 1)

	slave := 4
	tags, err := managers[0].DiscoverTags(ctx, cloud.TagFilter{SlaveID: &slave})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "Attic", tags[0].Name())

	tags, err = managers[0].DiscoverTags(ctx, cloud.TagFilter{UUID: "tag-1"})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, []string{"temp", "humidity"}, tags[0].SensorCapabilities())

	sensors, err := tags[0].DiscoverSensors(ctx)
	require.NoError(t, err)
	probeType, disconnected, ok := sensors[0].Probe()
	assert.True(t, ok)
	assert.Equal(t, "ds18b20", probeType)
	assert.False(t, disconnected)
	_, _, ok = sensors[1].Probe()
	assert.False(t, ok)
}

func TestPlatform_MutationsAndFaults(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	require.NoError(t, p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "secret"}))

	managers, _ := p.DiscoverTagManagers(ctx)
	tags, _ := managers[0].DiscoverTags(ctx, cloud.TagFilter{UUID: "tag-1"})
	sensors, _ := tags[0].DiscoverSensors(ctx)
	temp := sensors[0]

	require.NoError(t, temp.Arm(ctx))
	assert.True(t, temp.IsArmed())

	cfg, err := temp.FetchMonitoringConfig(ctx)
	require.NoError(t, err)
	cfg["hi"] = 35
	require.NoError(t, temp.SaveMonitoringConfig(ctx, cfg))
	assert.Equal(t, 35, temp.MonitoringConfig()["hi"])

	require.NoError(t, tags[0].SetUpdateInterval(ctx, 300))
	assert.Equal(t, 300, tags[0].UpdateInterval())

	boom := stderrors.New("boom")
	p.Fail(OpLiveUpdate, boom)
	assert.ErrorIs(t, tags[0].LiveUpdate(ctx), boom)
	p.Fail(OpLiveUpdate, nil)
	assert.NoError(t, tags[0].LiveUpdate(ctx))
	assert.Equal(t, 2, p.Calls(OpLiveUpdate))
}

func TestPlatform_PollTags(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	require.NoError(t, p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "secret"}))

	tags, err := p.PollTags(ctx, cloud.PollRequest{UUIDs: []string{"tag-1"}})
	require.NoError(t, err)
	require.Len(t, tags, 1)

	tags, err = p.PollTags(ctx, cloud.PollRequest{All: true})
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	polled := p.PolledUUIDs()
	require.Len(t, polled, 2)
	assert.Equal(t, []string{"tag-1"}, polled[0])
}

func TestPlatform_DropConnection(t *testing.T) {
	p := newPlatform(t)
	var got error
	p.NotifyConnectionLost(func(err error) { got = err })

	cause := stderrors.New("socket closed")
	p.DropConnection(cause)
	assert.Equal(t, cause, got)
}

func TestPlatform_Hold(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	require.NoError(t, p.SignIn(ctx, cloud.Credentials{Username: "alice", Password: "secret"}))

	entered, release := p.Hold(OpDiscoverTagManagers)
	done := make(chan error, 1)
	go func() {
		_, err := p.DiscoverTagManagers(ctx)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("call never reached the hold")
	}
	assert.Equal(t, 0, p.Calls(OpDiscoverTagManagers), "held calls are not counted yet")
	assert.Equal(t, 1, p.Held(OpDiscoverTagManagers))
	assert.Equal(t, 1, p.Calls(OpSignIn), "other operations are not held")

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("call still held after release")
	}
	assert.Equal(t, 1, p.Calls(OpDiscoverTagManagers))
	assert.Equal(t, 0, p.Held(OpDiscoverTagManagers))

	release()
	_, err := p.DiscoverTagManagers(ctx)
	assert.NoError(t, err, "released holds do not block again")
}
