package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certgate/internal/telemetry"
	"github.com/wolfeidau/certgate/internal/telemetry/telemetrytest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestGetMetrics(t *testing.T) {
	m := telemetry.GetMetrics()
	require.NotNil(t, m)
	require.Same(t, m, telemetry.GetMetrics())
	require.NotNil(t, m.ConnectionsAbortedTotal)
	require.NotNil(t, m.HandshakeDuration)
}

func TestNewMetrics(t *testing.T) {
	m, reader := telemetrytest.New()
	ctx := context.Background()

	m.ConnectionsAbortedTotal.Add(ctx, 2, metric.WithAttributes(attribute.String("reason", "handshake")))
	m.ConnectionsAbortedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_encoding")))
	m.ConnectionsAcceptedTotal.Add(ctx, 3)

	require.Equal(t, int64(2), reader.Counter(t, "certgate.connections.aborted.total", attribute.String("reason", "handshake")))
	require.Equal(t, int64(3), reader.Counter(t, "certgate.connections.aborted.total"))
	require.Equal(t, int64(3), reader.Counter(t, "certgate.connections.accepted.total"))
	require.Zero(t, reader.Counter(t, "certgate.connections.closed.total"))
}
