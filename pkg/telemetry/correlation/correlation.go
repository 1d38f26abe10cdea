// Package correlation threads a request-scoped correlation ID from the HTTP
// edge into outbox event payloads, so one borrower action can be traced
// across the API, the scheduler, and whatever consumes the events.
package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating
// one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// StampEventPayload augments an outbox event payload with correlation and
// tracing identifiers. A correlation id already in the payload wins, then
// the one on the context; a fresh one is minted only when both are absent.
func StampEventPayload(ctx context.Context, payload map[string]any) {
	if payload == nil {
		return
	}

	cid, _ := payload["correlation_id"].(string)
	if cid == "" {
		cid = ExtractCorrelationID(ctx)
	}
	if cid == "" {
		cid = ulid.Make().String()
	}
	payload["correlation_id"] = cid

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		payload["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		payload["span_id"] = sc.SpanID().String()
	}
	payload["published_at"] = time.Now().UTC().Format(time.RFC3339)
}
