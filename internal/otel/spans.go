package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for outreach spans.
var (
	AttrAccountID    = attribute.Key("outreach.account.id")
	AttrSessionID    = attribute.Key("outreach.session.id")
	AttrRunID        = attribute.Key("outreach.run.id")
	AttrWorkflowID   = attribute.Key("outreach.workflow.id")
	AttrModel        = attribute.Key("outreach.provider.model")
	AttrTokensInput  = attribute.Key("outreach.provider.tokens.input")
	AttrTokensOutput = attribute.Key("outreach.provider.tokens.output")
	AttrDecision     = attribute.Key("outreach.reply.decision")
	AttrTurn         = attribute.Key("outreach.session.turn")
	AttrAction       = attribute.Key("outreach.action.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model provider, messenger).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
