// Package cache provides a generic, thread-safe in-memory cache with built-in
// hit/miss statistics. Sensor nodes use it to hold their resolved tag handles.
package cache

import (
	"fmt"
	"strings"

	"github.com/c360/tagstreams/errors"
)

// Cache represents a generic cache keyed by string.
type Cache[V any] interface {
	// Get retrieves a value by key.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries, invoking the eviction callback for each.
	Clear() error

	Size() int
	Keys() []string
	Stats() *Statistics
}

// EvictCallback is called when an entry leaves the cache through Delete or Clear.
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	evictCallback EvictCallback[V]
}

// WithEvictionCallback sets the callback run when entries are removed.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// NewSimple creates a cache with no eviction policy.
func NewSimple[V any](options ...Option[V]) Cache[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		opt(opts)
	}
	return newSimpleCache(opts)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(fmt.Errorf("empty key"), "cache", "validateKey", "key validation")
	}
	if strings.ContainsRune(key, 0) {
		return errors.WrapInvalid(fmt.Errorf("key contains NUL"), "cache", "validateKey", "key validation")
	}
	return nil
}
