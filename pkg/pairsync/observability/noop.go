package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordAdmission does nothing.
func (NoopMetrics) RecordAdmission(_ context.Context, _, _ string, _ bool) {}

// RecordPostponement does nothing.
func (NoopMetrics) RecordPostponement(_ context.Context, _, _ string) {}

// RecordCommit does nothing.
func (NoopMetrics) RecordCommit(_ context.Context, _, _ string, _ time.Duration) {}

// RecordAbort does nothing.
func (NoopMetrics) RecordAbort(_ context.Context, _, _ string) {}

// RecordMessage does nothing.
func (NoopMetrics) RecordMessage(_ context.Context, _, _, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartEventSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartEventSpan(ctx context.Context, _, _ string, _ int64, _ uint64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartStepSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartStepSpan(ctx context.Context, _, _ string, _ int64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// EndPostponed does nothing.
func (NoopSpanManager) EndPostponed(_ trace.Span) {}
