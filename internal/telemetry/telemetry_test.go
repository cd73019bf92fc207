package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.ObservabilityConfig{}, "test")
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.IsDegraded())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewEnabledRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "dispatchd",
	}, "test")
	assert.Error(t, err)
}

func TestNewEnabledWithEndpoint(t *testing.T) {
	// The OTLP exporters connect lazily, so setup succeeds without a
	// collector listening.
	tel, err := New(context.Background(), config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "dispatchd",
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
	}, "test")
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Shutdown with a canceled context must still return, errors are
	// tolerated since nothing is listening.
	_ = tel.Shutdown(ctx)
}

func TestNilReceivers(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
