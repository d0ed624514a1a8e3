package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the connector instruments. A nil *Metrics is safe to use and
// records nothing.
type Metrics struct {
	venue string

	eventsEmitted     metric.Int64Counter
	fills             metric.Int64Counter
	statusFailures    metric.Int64Counter
	unknownStates     metric.Int64Counter
	venueErrors       metric.Int64Counter
	streamReconnects  metric.Int64Counter
	streamMessages    metric.Int64Counter
	requestDuration   metric.Float64Histogram
	cancelAllFailures metric.Int64Counter
}

// NewMetrics builds instruments from meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter, venue string) *Metrics {
	if meter == nil {
		meter = otel.Meter("orderlink")
	}
	m := &Metrics{venue: venue}
	m.eventsEmitted, _ = meter.Int64Counter("orderlink.events.emitted",
		metric.WithDescription("Lifecycle events emitted to strategy consumers"),
		metric.WithUnit("{event}"))
	m.fills, _ = meter.Int64Counter("orderlink.fills",
		metric.WithDescription("Positive execution increments applied by the reconciler"),
		metric.WithUnit("{fill}"))
	m.statusFailures, _ = meter.Int64Counter("orderlink.status.failures",
		metric.WithDescription("Order status fetch failures by error family"),
		metric.WithUnit("{error}"))
	m.unknownStates, _ = meter.Int64Counter("orderlink.status.unknown",
		metric.WithDescription("Unrecognised venue status strings"),
		metric.WithUnit("{update}"))
	m.venueErrors, _ = meter.Int64Counter("orderlink.venue.errors",
		metric.WithDescription("Errors returned by venue operations"),
		metric.WithUnit("{error}"))
	m.streamReconnects, _ = meter.Int64Counter("orderlink.stream.reconnects",
		metric.WithDescription("Report stream reconnect attempts"),
		metric.WithUnit("{reconnect}"))
	m.streamMessages, _ = meter.Int64Counter("orderlink.stream.messages",
		metric.WithDescription("Report stream messages received"),
		metric.WithUnit("{message}"))
	m.requestDuration, _ = meter.Float64Histogram("orderlink.venue.request.duration",
		metric.WithDescription("Latency of venue REST requests"),
		metric.WithUnit("ms"))
	m.cancelAllFailures, _ = meter.Int64Counter("orderlink.cancel_all.failures",
		metric.WithDescription("Orders not confirmed cancelled within the cancel-all deadline"),
		metric.WithUnit("{order}"))
	return m
}

// EventEmitted counts one lifecycle event.
func (m *Metrics) EventEmitted(ctx context.Context, eventType, pair string) {
	if m == nil || m.eventsEmitted == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(EventAttributes(Environment(), eventType, m.venue, pair)...))
}

// FillApplied counts one execution increment from source.
func (m *Metrics) FillApplied(ctx context.Context, source, pair string) {
	if m == nil || m.fills == nil {
		return
	}
	attrs := EventAttributes(Environment(), "fill", m.venue, pair)
	attrs = append(attrs, AttrSource.String(source))
	m.fills.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// StatusFetchFailed counts a failed status query classified by errorType.
func (m *Metrics) StatusFetchFailed(ctx context.Context, errorType string) {
	if m == nil || m.statusFailures == nil {
		return
	}
	m.statusFailures.Add(ctx, 1, metric.WithAttributes(ErrorAttributes(Environment(), m.venue, "order_status", errorType)...))
}

// UnknownState counts an unrecognised status string.
func (m *Metrics) UnknownState(ctx context.Context, source string) {
	if m == nil || m.unknownStates == nil {
		return
	}
	m.unknownStates.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrVenue.String(m.venue), AttrSource.String(source)))
}

// VenueError counts a failed venue operation.
func (m *Metrics) VenueError(ctx context.Context, operation, errorType string) {
	if m == nil || m.venueErrors == nil {
		return
	}
	m.venueErrors.Add(ctx, 1, metric.WithAttributes(ErrorAttributes(Environment(), m.venue, operation, errorType)...))
}

// StreamReconnect counts one stream reconnect attempt.
func (m *Metrics) StreamReconnect(ctx context.Context) {
	if m == nil || m.streamReconnects == nil {
		return
	}
	m.streamReconnects.Add(ctx, 1, metric.WithAttributes(ConnectionAttributes(Environment(), m.venue, "reconnecting")...))
}

// StreamMessage counts one received stream message of kind.
func (m *Metrics) StreamMessage(ctx context.Context, kind string) {
	if m == nil || m.streamMessages == nil {
		return
	}
	m.streamMessages.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrVenue.String(m.venue), AttrEventType.String(kind)))
}

// RequestObserved records the latency of a venue request.
func (m *Metrics) RequestObserved(ctx context.Context, operation, result string, elapsed time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(OperationResultAttributes(Environment(), m.venue, operation, result)...))
}

// CancelAllFailures counts orders left unconfirmed by a cancel-all.
func (m *Metrics) CancelAllFailures(ctx context.Context, n int) {
	if m == nil || m.cancelAllFailures == nil || n <= 0 {
		return
	}
	m.cancelAllFailures.Add(ctx, int64(n), metric.WithAttributes(AttrEnvironment.String(Environment()), AttrVenue.String(m.venue)))
}
