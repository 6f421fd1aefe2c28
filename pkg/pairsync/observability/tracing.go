package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pairsync"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEventSpan starts a span for one execution of an event body.
	// A postponed event gets a new span, with a higher generation, on retry.
	StartEventSpan(ctx context.Context, endpoint, event string, eventID int64, generation uint64) (context.Context, trace.Span)

	// StartStepSpan starts a span for a step run on behalf of the peer.
	StartStepSpan(ctx context.Context, endpoint, step string, eventID int64) (context.Context, trace.Span)

	// EndPostponed completes the span of an execution that was superseded.
	EndPostponed(span trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager backed by the global OTel tracer
// provider. Configure the provider first:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return NewSpanManagerFor(otel.GetTracerProvider())
}

// NewSpanManagerFor returns a SpanManager that uses tp.
func NewSpanManagerFor(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer(tracerName)}
}

func (m *otelSpanManager) StartEventSpan(ctx context.Context, endpoint, event string, eventID int64, generation uint64) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "pairsync.event."+event,
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("event.name", event),
			attribute.Int64("event.id", eventID),
			attribute.Int64("event.generation", int64(generation)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, endpoint, step string, eventID int64) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "pairsync.step."+step,
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("step", step),
			attribute.Int64("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

func (m *otelSpanManager) EndPostponed(span trace.Span) {
	if span == nil {
		return
	}
	span.AddEvent("postponed")
	span.SetAttributes(attribute.Bool("event.postponed", true))
	span.End()
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
