package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "edmas"

// StartHeartbeatSpan starts a span for one heartbeat tick.
func StartHeartbeatSpan(ctx context.Context, agentID, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.heartbeat",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartEvolveSpan starts a span for an evolution cycle.
func StartEvolveSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.evolve",
		trace.WithAttributes(attribute.String("agent.id", agentID)),
	)
}

// StartMessageSpan starts a span for delivering one inbox message.
func StartMessageSpan(ctx context.Context, msgID, to, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("message.id", msgID),
			attribute.String("agent.id", to),
			attribute.String("message.kind", kind),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
