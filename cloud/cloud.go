// Package cloud defines how tagstreams consumes a Wireless Tag style cloud
// platform: the remote API surface (Platform, TagManager, Tag, Sensor) and the
// Session that owns one authenticated connection to it.
//
// The remote API client itself is an external collaborator. Implementations of
// these interfaces live outside this package; cloud/simulator provides an
// in-memory one.
package cloud

import (
	"context"
)

// Credentials authenticate a session against the platform.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TagFilter narrows tag discovery to a single tag. A zero filter matches all tags.
type TagFilter struct {
	UUID    string
	SlaveID *int
}

// Matches reports whether tag satisfies the filter.
func (f TagFilter) Matches(tag Tag) bool {
	if f.UUID != "" && tag.UUID() != f.UUID {
		return false
	}
	if f.SlaveID != nil && tag.SlaveID() != *f.SlaveID {
		return false
	}
	return true
}

// PollRequest selects the tags refreshed by one poll cycle. All requests every
// tag visible to the session, which is what discovery consumers need.
type PollRequest struct {
	UUIDs []string
	All   bool
}

// Platform is the remote cloud API.
type Platform interface {
	SignIn(ctx context.Context, creds Credentials) error
	SignOff(ctx context.Context) error
	IsSignedIn(ctx context.Context) (bool, error)
	DiscoverTagManagers(ctx context.Context) ([]TagManager, error)

	// PollTags refreshes the requested tags in one batched call and returns the
	// tags whose state was updated.
	PollTags(ctx context.Context, req PollRequest) ([]Tag, error)
}

// ConnectionNotifier is implemented by platforms that detect connection loss on
// their own. The session registers itself to be told.
type ConnectionNotifier interface {
	NotifyConnectionLost(fn func(error))
}

// TagManager is a gateway device addressed by MAC.
type TagManager interface {
	MAC() string
	Name() string
	Online() bool
	DiscoverTags(ctx context.Context, filter TagFilter) ([]Tag, error)
}

// Tag is one remote sensor unit.
type Tag interface {
	UUID() string
	SlaveID() int
	Name() string
	Alive() bool
	UpdateInterval() int
	Manager() TagManager

	// SensorCapabilities lists the sensor types the tag hardware supports.
	SensorCapabilities() []string
	DiscoverSensors(ctx context.Context) ([]Sensor, error)

	SetUpdateInterval(ctx context.Context, seconds int) error
	// LiveUpdate forces an immediate fresh reading from the device.
	LiveUpdate(ctx context.Context) error
	// Update requests the regular polled refresh of the tag's state.
	Update(ctx context.Context) error
}

// Sensor is one measurable channel on a tag.
type Sensor interface {
	Type() string
	Reading() any
	EventState() string
	IsArmed() bool
	// Probe returns the external probe details for sensors that have one.
	Probe() (probeType string, disconnected bool, ok bool)
	Tag() Tag

	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error

	// MonitoringConfig returns the last fetched monitoring configuration without
	// a remote call. The returned map must not be modified.
	MonitoringConfig() map[string]any
	// FetchMonitoringConfig reads the current monitoring configuration remotely.
	FetchMonitoringConfig(ctx context.Context) (map[string]any, error)
	SaveMonitoringConfig(ctx context.Context, cfg map[string]any) error
}
