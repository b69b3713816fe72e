package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/certgate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Listener metrics
	ConnectionsAcceptedTotal metric.Int64Counter
	AcceptErrorsTotal        metric.Int64Counter

	// Connection metrics
	ConnectionsActive       metric.Int64UpDownCounter
	ConnectionsAbortedTotal metric.Int64Counter
	ConnectionsClosedTotal  metric.Int64Counter
	ConnectionDuration      metric.Float64Histogram

	// Handshake metrics
	HandshakeDuration metric.Float64Histogram

	// Dispatch metrics
	RequestsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments are bound to the global meter provider at first use, so call
// InitTelemetry before the first connection is accepted.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider())
	})
	return metrics
}

// NewMetrics creates all metric instruments from provider.
func NewMetrics(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter(meterName)

	m := &Metrics{}

	// Listener metrics
	m.ConnectionsAcceptedTotal, _ = meter.Int64Counter(
		"certgate.connections.accepted.total",
		metric.WithDescription("Total number of TCP connections accepted"),
		metric.WithUnit("{connection}"),
	)

	m.AcceptErrorsTotal, _ = meter.Int64Counter(
		"certgate.accept.errors.total",
		metric.WithDescription("Total number of listener accept errors"),
		metric.WithUnit("{error}"),
	)

	// Connection metrics
	m.ConnectionsActive, _ = meter.Int64UpDownCounter(
		"certgate.connections.active",
		metric.WithDescription("Number of connections currently in the pipeline"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionsAbortedTotal, _ = meter.Int64Counter(
		"certgate.connections.aborted.total",
		metric.WithDescription("Total number of connections aborted before dispatch, by reason"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionsClosedTotal, _ = meter.Int64Counter(
		"certgate.connections.closed.total",
		metric.WithDescription("Total number of authenticated connections closed after dispatch"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionDuration, _ = meter.Float64Histogram(
		"certgate.connection.duration",
		metric.WithDescription("Lifetime of a connection from accept to close"),
		metric.WithUnit("ms"),
	)

	// Handshake metrics
	m.HandshakeDuration, _ = meter.Float64Histogram(
		"certgate.handshake.duration",
		metric.WithDescription("Duration of TLS handshakes"),
		metric.WithUnit("ms"),
	)

	// Dispatch metrics
	m.RequestsTotal, _ = meter.Int64Counter(
		"certgate.requests.total",
		metric.WithDescription("Total number of HTTP requests served on authenticated connections"),
		metric.WithUnit("{request}"),
	)

	return m
}
