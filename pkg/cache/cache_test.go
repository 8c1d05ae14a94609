package cache

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/errors"
)

func TestSimpleCache_SetGetDelete(t *testing.T) {
	c := NewSimple[int]()

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", 2)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, c.Size())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(2), stats.Sets())
	assert.Equal(t, int64(1), stats.Deletes())
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.0001)
}

func TestSimpleCache_InvalidKey(t *testing.T) {
	c := NewSimple[string]()

	_, err := c.Set("", "x")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestSimpleCache_ClearRunsEvictionCallback(t *testing.T) {
	var evicted []string
	c := NewSimple(WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))

	_, _ = c.Set("x", 1)
	_, _ = c.Set("y", 2)
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"x", "y"}, keys)

	require.NoError(t, c.Clear())
	sort.Strings(evicted)
	assert.Equal(t, []string{"x", "y"}, evicted)
	assert.Equal(t, 0, c.Size())
	assert.Zero(t, NewStatistics().HitRatio())
}
