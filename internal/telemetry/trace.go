package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for an engine operation.
//
// Usage:
//
//	ctx, span := telemetry.StartSpan(ctx, "authn/engine", "authn.Authenticate",
//	    attribute.String(telemetry.AttrTransactionID, tx.ID()),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
//
// Example:
//
//	telemetry.AddEvent(span, "handler.failed",
//	    attribute.String(telemetry.AttrHandlerName, "ldap"),
//	)
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Common attribute keys for the authentication engine
const (
	AttrTransactionID   = "authn.transaction_id"
	AttrServiceID       = "authn.service_id"
	AttrCredentialType  = "authn.credential_type"
	AttrCredentialCount = "authn.credential_count"
	AttrHandlerName     = "authn.handler"
	AttrPolicyName      = "authn.policy"
	AttrPrincipalID     = "principal.id"
	AttrFailureKind     = "authn.failure_kind"
	AttrFailureReason   = "authn.failure_reason"
	AttrOutcome         = "authn.outcome"
)
