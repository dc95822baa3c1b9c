package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// spanIDHexLen is the length of a span id in hex characters.
const spanIDHexLen = 16

type traceCtxKey struct{}

// TraceContext is the correlation record carried on worker message
// envelopes so logs on both sides of a process boundary share a trace id.
type TraceContext struct {
	// TraceID is a 32-char hex trace identifier.
	TraceID string `json:"traceId"`

	// SpanID is a 16-char hex span identifier.
	SpanID string `json:"spanId"`

	// ParentSpanID is the hex id of the parent span, if any.
	ParentSpanID string `json:"parentSpanId,omitempty"`

	// StartTime is when this context was created.
	StartTime time.Time `json:"startTime"`

	// Metadata carries free-form correlation attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewTrace creates a fresh TraceContext with random identifiers.
func NewTrace() TraceContext {
	traceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	spanID := strings.ReplaceAll(uuid.NewString(), "-", "")[:spanIDHexLen]

	return TraceContext{
		TraceID:   traceID,
		SpanID:    spanID,
		StartTime: time.Now(),
	}
}

// TraceFrom extracts the effective trace context: an active OTel span wins,
// then a context stored by WithTrace, then a freshly generated one.
func TraceFrom(ctx context.Context) TraceContext {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return TraceContext{
			TraceID:   sc.TraceID().String(),
			SpanID:    sc.SpanID().String(),
			StartTime: time.Now(),
		}
	}

	if tc, ok := ctx.Value(traceCtxKey{}).(TraceContext); ok {
		return tc
	}

	return NewTrace()
}

// WithTrace re-enters a trace context, typically on the receiving side of a
// worker envelope. When the ids parse as OTel identifiers, the returned
// context also carries a remote span context so the logging handler picks
// up trace_id and span_id automatically.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	ctx = context.WithValue(ctx, traceCtxKey{}, tc)

	traceID, tErr := trace.TraceIDFromHex(tc.TraceID)
	spanID, sErr := trace.SpanIDFromHex(tc.SpanID)

	if tErr != nil || sErr != nil {
		return ctx
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	return trace.ContextWithSpanContext(ctx, sc)
}
