package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared across the fabric and the workflow engine.
const (
	AttrMessageID  = "fabric.message_id"
	AttrSender     = "fabric.sender"
	AttrRecipient  = "fabric.recipient"
	AttrKind       = "fabric.kind"
	AttrPriority   = "fabric.priority"
	AttrWorkflowID = "workflow.id"
	AttrStage      = "workflow.stage"
	AttrAgentID    = "workflow.agent_id"
)

// StartDelivery opens a span covering one envelope's delivery attempt.
func StartDelivery(ctx context.Context, tracer trace.Tracer, messageID, sender, recipient, kind, priority string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "fabric.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String(AttrMessageID, messageID),
		attribute.String(AttrSender, sender),
		attribute.String(AttrRecipient, recipient),
		attribute.String(AttrKind, kind),
		attribute.String(AttrPriority, priority),
	)
	return ctx, span
}

// StartStage opens a span covering one workflow stage execution.
func StartStage(ctx context.Context, tracer trace.Tracer, workflowID, stage, agentID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "workflow.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrStage, stage),
		attribute.String(AttrAgentID, agentID),
	)
	return ctx, span
}

// End closes the span, recording err as the span status when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
