// Package telemetry records OpenTelemetry metrics for agent state machines:
// state transitions, turn outcomes and latency, and queue rejections.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of one meter. A nil *Metrics is valid and
// records nothing, so callers never need to guard their calls.
type Metrics struct {
	transitions  metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	rejected     metric.Int64Counter
	turnDuration metric.Float64Histogram
}

// MetricsConfig configures the metrics instruments.
type MetricsConfig struct {
	// MeterName is the name of the meter (default: "github.com/hupe1980/agentsm").
	MeterName string
	// MeterVersion is the version of the meter.
	MeterVersion string
	// MeterProvider overrides the global provider (otel.GetMeterProvider).
	MeterProvider metric.MeterProvider
}

// DefaultMetricsConfig returns a default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		MeterName:    "github.com/hupe1980/agentsm",
		MeterVersion: "0.1.0",
	}
}

// NewMetrics creates all instruments on the configured meter.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	defaults := DefaultMetricsConfig()
	if config.MeterName == "" {
		config.MeterName = defaults.MeterName
	}
	if config.MeterVersion == "" {
		config.MeterVersion = defaults.MeterVersion
	}

	provider := config.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(
		config.MeterName,
		metric.WithInstrumentationVersion(config.MeterVersion),
	)

	m := &Metrics{}

	var err, errs error

	m.transitions, err = meter.Int64Counter(
		"agentsm.state.transitions",
		metric.WithDescription("Number of published state transitions"),
		metric.WithUnit("{transition}"),
	)
	errs = errors.Join(errs, err)

	m.completed, err = meter.Int64Counter(
		"agentsm.turns.completed",
		metric.WithDescription("Number of turns answered by the completion port"),
		metric.WithUnit("{turn}"),
	)
	errs = errors.Join(errs, err)

	m.failed, err = meter.Int64Counter(
		"agentsm.turns.failed",
		metric.WithDescription("Number of turns that moved the agent into the error state"),
		metric.WithUnit("{turn}"),
	)
	errs = errors.Join(errs, err)

	m.rejected, err = meter.Int64Counter(
		"agentsm.queue.rejected",
		metric.WithDescription("Number of inputs rejected because the queue was full"),
		metric.WithUnit("{turn}"),
	)
	errs = errors.Join(errs, err)

	m.turnDuration, err = meter.Float64Histogram(
		"agentsm.turn.duration",
		metric.WithDescription("Duration of the completion call per turn"),
		metric.WithUnit("s"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		return nil, errs
	}

	return m, nil
}

// RecordTransition counts a published transition.
func (m *Metrics) RecordTransition(ctx context.Context, sessionID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("state.from", from),
		attribute.String("state.to", to),
	))
}

// RecordTurnCompleted counts a successful turn and its latency.
func (m *Metrics) RecordTurnCompleted(ctx context.Context, sessionID string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("session.id", sessionID), attribute.Bool("success", true))
	m.completed.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTurnFailed counts a failed turn by cause and records its latency.
func (m *Metrics) RecordTurnFailed(ctx context.Context, sessionID, cause string, duration time.Duration) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("failure.cause", cause),
	))
	m.turnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Bool("success", false),
	))
}

// RecordQueueRejected counts an input refused with a full queue.
func (m *Metrics) RecordQueueRejected(ctx context.Context, sessionID string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("session.id", sessionID)))
}
