package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records endpoint metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAdmission records an admission attempt and whether it succeeded.
	RecordAdmission(ctx context.Context, endpoint, event string, admitted bool)

	// RecordPostponement records an event being postponed.
	RecordPostponement(ctx context.Context, endpoint, event string)

	// RecordCommit records a commit and the time since the event was first requested.
	RecordCommit(ctx context.Context, endpoint, event string, latency time.Duration)

	// RecordAbort records an event rolled back because of an error.
	RecordAbort(ctx context.Context, endpoint, event string)

	// RecordMessage records an envelope crossing the connection.
	RecordMessage(ctx context.Context, endpoint, direction, control string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	admissions    metric.Int64Counter
	denials       metric.Int64Counter
	postponements metric.Int64Counter
	commits       metric.Int64Counter
	aborts        metric.Int64Counter
	commitLatency metric.Float64Histogram
	messages      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("pairsync")

	admissions, err := meter.Int64Counter("pairsync.event.admissions",
		metric.WithDescription("Number of events admitted"),
	)
	if err != nil {
		return nil, err
	}

	denials, err := meter.Int64Counter("pairsync.event.denials",
		metric.WithDescription("Number of admission attempts denied"),
	)
	if err != nil {
		return nil, err
	}

	postponements, err := meter.Int64Counter("pairsync.event.postponements",
		metric.WithDescription("Number of events postponed"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter("pairsync.event.commits",
		metric.WithDescription("Number of events committed"),
	)
	if err != nil {
		return nil, err
	}

	aborts, err := meter.Int64Counter("pairsync.event.aborts",
		metric.WithDescription("Number of events aborted"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Float64Histogram("pairsync.event.latency_ms",
		metric.WithDescription("Time from request to commit in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	messages, err := meter.Int64Counter("pairsync.messages",
		metric.WithDescription("Number of envelopes sent and received"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		admissions:    admissions,
		denials:       denials,
		postponements: postponements,
		commits:       commits,
		aborts:        aborts,
		commitLatency: commitLatency,
		messages:      messages,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func eventAttrs(endpoint, event string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("event", event),
	)
}

// RecordAdmission records an admission attempt.
func (m *otelMetrics) RecordAdmission(ctx context.Context, endpoint, event string, admitted bool) {
	if admitted {
		m.admissions.Add(ctx, 1, eventAttrs(endpoint, event))
		return
	}
	m.denials.Add(ctx, 1, eventAttrs(endpoint, event))
}

// RecordPostponement records a postponement.
func (m *otelMetrics) RecordPostponement(ctx context.Context, endpoint, event string) {
	m.postponements.Add(ctx, 1, eventAttrs(endpoint, event))
}

// RecordCommit records a commit.
func (m *otelMetrics) RecordCommit(ctx context.Context, endpoint, event string, latency time.Duration) {
	attrs := eventAttrs(endpoint, event)
	m.commits.Add(ctx, 1, attrs)
	m.commitLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

// RecordAbort records an abort.
func (m *otelMetrics) RecordAbort(ctx context.Context, endpoint, event string) {
	m.aborts.Add(ctx, 1, eventAttrs(endpoint, event))
}

// RecordMessage records an envelope.
func (m *otelMetrics) RecordMessage(ctx context.Context, endpoint, direction, control string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("direction", direction),
		attribute.String("control", control),
	))
}
