package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/dealbridge/sse"
)

// SessionMetrics translates stream session transitions into OpenTelemetry
// metrics: opened and closed counters, a live-session gauge and the session
// duration.
type SessionMetrics struct {
	opened   metric.Int64Counter
	closed   metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

// NewSessionMetrics creates SessionMetrics instruments on the given meter.
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	opened, err := meter.Int64Counter("dealbridge.sse.sessions.opened",
		metric.WithDescription("Number of stream sessions opened"),
	)
	if err != nil {
		return nil, err
	}

	closed, err := meter.Int64Counter("dealbridge.sse.sessions.closed",
		metric.WithDescription("Number of stream sessions closed"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter("dealbridge.sse.sessions.active",
		metric.WithDescription("Number of stream sessions currently open"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("dealbridge.sse.session.duration",
		metric.WithDescription("Lifetime of a stream session in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		opened:   opened,
		closed:   closed,
		active:   active,
		duration: duration,
	}, nil
}

// ObserveSession records one session transition.
func (m *SessionMetrics) ObserveSession(obs sse.SessionObservation) {
	if m == nil {
		return
	}
	ctx := context.Background()
	switch obs.State {
	case sse.StateOpen:
		m.opened.Add(ctx, 1)
		m.active.Add(ctx, 1)
	case sse.StateClosed:
		attrs := metric.WithAttributes(attribute.String("reason", obs.Reason))
		m.closed.Add(ctx, 1, attrs)
		m.active.Add(ctx, -1)
		m.duration.Record(ctx, float64(obs.DurationMS)/1000, attrs)
	}
}

var _ sse.SessionObserver = (*SessionMetrics)(nil)
