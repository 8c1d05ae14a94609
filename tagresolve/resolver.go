// Package tagresolve turns a (tag manager MAC, tag identifier) pair into a tag
// handle and keeps the handles a node resolved for the node's lifetime.
package tagresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/pkg/cache"
)

// TagID identifies a tag by UUID or by numeric slave id.
type TagID struct {
	UUID    string
	SlaveID *int
}

// ByUUID returns a UUID identifier.
func ByUUID(uuid string) TagID {
	return TagID{UUID: uuid}
}

// BySlaveID returns a slave id identifier.
func BySlaveID(id int) TagID {
	return TagID{SlaveID: &id}
}

// IsZero reports whether no tag is identified.
func (id TagID) IsZero() bool {
	return id.UUID == "" && id.SlaveID == nil
}

func (id TagID) String() string {
	if id.SlaveID != nil {
		return strconv.Itoa(*id.SlaveID)
	}
	return id.UUID
}

func (id TagID) filter() cloud.TagFilter {
	if id.SlaveID != nil {
		return cloud.TagFilter{SlaveID: id.SlaveID}
	}
	return cloud.TagFilter{UUID: id.UUID}
}

// ParseTagID interprets a decoded JSON value: strings are UUIDs, numbers are
// slave ids. Nil and empty strings yield the zero TagID.
func ParseTagID(v any) (TagID, error) {
	switch t := v.(type) {
	case nil:
		return TagID{}, nil
	case string:
		return ByUUID(t), nil
	case float64:
		if t != math.Trunc(t) {
			return TagID{}, fmt.Errorf("%w: slave id %v is not an integer", errors.ErrInvalidData, t)
		}
		return BySlaveID(int(t)), nil
	case int:
		return BySlaveID(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return TagID{}, fmt.Errorf("%w: slave id %s: %v", errors.ErrInvalidData, t, err)
		}
		return BySlaveID(int(n)), nil
	default:
		return TagID{}, fmt.Errorf("%w: tag id of type %T", errors.ErrInvalidData, v)
	}
}

// UnmarshalJSON accepts a string UUID or a numeric slave id.
func (id *TagID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseTagID(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalJSON writes the UUID as a string and a slave id as a number.
func (id TagID) MarshalJSON() ([]byte, error) {
	switch {
	case id.SlaveID != nil:
		return json.Marshal(*id.SlaveID)
	case id.UUID != "":
		return json.Marshal(id.UUID)
	default:
		return []byte("null"), nil
	}
}

// Resolver resolves tags for one node. Resolved tags are cached by UUID until
// Release.
type Resolver struct {
	session *cloud.Session
	logger  *slog.Logger
	tags    cache.Cache[cloud.Tag]
}

// New creates a resolver against session.
func New(session *cloud.Session, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		session: session,
		logger:  logger,
		tags:    cache.NewSimple[cloud.Tag](),
	}
}

// FindTagManager returns the tag manager with mac.
func FindTagManager(ctx context.Context, platform cloud.Platform, mac string) (cloud.TagManager, error) {
	managers, err := platform.DiscoverTagManagers(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Resolver", "FindTagManager", "discover tag managers")
	}
	for _, mgr := range managers {
		if mgr.MAC() == mac {
			return mgr, nil
		}
	}
	return nil, fmt.Errorf("failed to find tag manager with MAC %s: %w", mac, errors.ErrTagManagerNotFound)
}

func (r *Resolver) cached(mac string, id TagID) (cloud.Tag, bool) {
	if id.SlaveID == nil {
		return r.tags.Get(id.UUID)
	}
	for _, key := range r.tags.Keys() {
		tag, ok := r.tags.Get(key)
		if ok && tag.SlaveID() == *id.SlaveID && (mac == "" || tag.Manager().MAC() == mac) {
			return tag, true
		}
	}
	return nil, false
}

// Resolve returns the tag identified by id under the tag manager with mac. A
// cached tag is returned without a remote call.
func (r *Resolver) Resolve(ctx context.Context, mac string, id TagID) (cloud.Tag, error) {
	if id.IsZero() {
		return nil, errors.ErrTagNotSpecified
	}
	if tag, ok := r.cached(mac, id); ok {
		return tag, nil
	}

	mgr, err := FindTagManager(ctx, r.session.Platform(), mac)
	if err != nil {
		return nil, err
	}
	tags, err := mgr.DiscoverTags(ctx, id.filter())
	if err != nil {
		return nil, errors.WrapTransient(err, "Resolver", "Resolve", "discover tags")
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("failed to find tag %s: %w", id, errors.ErrTagNotFound)
	}

	tag := tags[0]
	if _, err := r.tags.Set(tag.UUID(), tag); err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved tag", "tag", tag.Name(), "uuid", tag.UUID(), "mac", mac)
	return tag, nil
}

// ResolveSensors discovers the sensors of tag. With a non-empty sensorType only
// sensors of that type are returned, and finding none is ErrSensorNotFound.
func (r *Resolver) ResolveSensors(ctx context.Context, tag cloud.Tag, sensorType string) ([]cloud.Sensor, error) {
	sensors, err := tag.DiscoverSensors(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Resolver", "ResolveSensors", "discover sensors")
	}
	if sensorType == "" {
		return sensors, nil
	}
	filtered := FilterSensors(sensors, sensorType)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("specified tag does not have sensor %s: %w", sensorType, errors.ErrSensorNotFound)
	}
	return filtered, nil
}

// FilterSensors keeps the sensors of the given types. No types keeps all.
func FilterSensors(sensors []cloud.Sensor, types ...string) []cloud.Sensor {
	if len(types) == 0 {
		return sensors
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]cloud.Sensor, 0, len(sensors))
	for _, s := range sensors {
		if want[s.Type()] {
			out = append(out, s)
		}
	}
	return out
}

// Cached returns the number of cached tags.
func (r *Resolver) Cached() int {
	return r.tags.Size()
}

// Release drops every cached tag. It is safe to call more than once.
func (r *Resolver) Release() {
	if err := r.tags.Clear(); err != nil {
		r.logger.Warn("Failed to release tag cache", "error", err)
	}
}
