package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	adapterTracerName = "crewmux-adapter"
	missionTracerName = "crewmux-mission"
)

// TraceAgentCall creates a span for a downstream agent call.
func TraceAgentCall(ctx context.Context, agentID string, fresh bool) (context.Context, trace.Span) {
	ctx, span := Tracer(adapterTracerName).Start(ctx, "adapter.send",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.Bool("new_thread", fresh),
	)
	return ctx, span
}

// TraceMissionPhase creates a span for a mission phase transition.
func TraceMissionPhase(ctx context.Context, missionID, phase string) (context.Context, trace.Span) {
	ctx, span := Tracer(missionTracerName).Start(ctx, "mission."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("mission_id", missionID))
	return ctx, span
}

// TraceVerifyRun creates a span for a verification subprocess run.
func TraceVerifyRun(ctx context.Context, missionID string, attempt int) (context.Context, trace.Span) {
	ctx, span := Tracer(missionTracerName).Start(ctx, "mission.verify",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("mission_id", missionID),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
