package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		ConnectionStatus(42): "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(time.Second),
		WithCredentials("user", "secret"),
		WithName("garage"),
		WithMetrics(metric.NewMetricsRegistry()),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, "garage", c.clientName)
	assert.NotNil(t, c.metrics)

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient(" ")
	assert.True(t, stderrors.Is(err, errors.ErrMissingConfig))
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a", []byte("x")), ErrNotConnected)
	_, err = c.Subscribe(ctx, "a", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Unsubscribe(nil))

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx), "close is idempotent")
}

func TestClient_ConnectCancelled(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(50*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestIsKeyNotFound(t *testing.T) {
	assert.True(t, IsKeyNotFound(errors.WrapInvalid(ErrKeyNotFound, "StatusStore", "Get", "get")))
	assert.False(t, IsKeyNotFound(stderrors.New("other")))
}
