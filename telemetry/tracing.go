// OpenTelemetry tracing support for envelopes crossing the fabric.
package telemetry

import (
	"context"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/agentfabric/envelope"
)

// Span names.
const (
	SpanSend    = "envelope.send"
	SpanForward = "envelope.forward"
	SpanHandle  = "envelope.handle"
)

// Tracer wraps OpenTelemetry tracing with envelope helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload sizes and operation args
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Envelope Spans ---

// StartSendSpan starts a producer span for an envelope leaving a node. The
// envelope's trace id is filled from the span when it has none.
func (t *Tracer) StartSendSpan(ctx context.Context, env *envelope.Envelope) (context.Context, trace.Span) {
	ctx = ContextWithEnvelope(ctx, *env)
	ctx, span := t.tracer.Start(ctx, SpanSend, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(t.envelopeAttributes(*env)...)
	if env.TraceID == "" {
		if sc := span.SpanContext(); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}
	return ctx, span
}

// StartForwardSpan starts a span for a sentinel relaying env onto a link.
func (t *Tracer) StartForwardSpan(ctx context.Context, env envelope.Envelope, linkID string) (context.Context, trace.Span) {
	ctx = ContextWithEnvelope(ctx, env)
	ctx, span := t.tracer.Start(ctx, SpanForward, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(t.envelopeAttributes(env)...)
	span.SetAttributes(attribute.String("fabric.link", linkID))
	return ctx, span
}

// StartHandleSpan starts a consumer span for a node dispatching env.
func (t *Tracer) StartHandleSpan(ctx context.Context, env envelope.Envelope) (context.Context, trace.Span) {
	ctx = ContextWithEnvelope(ctx, env)
	ctx, span := t.tracer.Start(ctx, SpanHandle, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(t.envelopeAttributes(env)...)
	if inv := env.Frame.Invoke; inv != nil {
		span.SetAttributes(attribute.String("fabric.operation", inv.Operation))
		if t.debug {
			span.SetAttributes(attribute.Int("fabric.args.bytes", len(inv.Args)))
		}
	}
	return ctx, span
}

// EndSpan ends an envelope span, recording err when set.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *Tracer) envelopeAttributes(env envelope.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.frame", string(env.Frame.Kind())),
		attribute.String("envelope.source", env.Source.String()),
		attribute.String("envelope.to", env.To.String()),
		attribute.String("envelope.correlation_id", env.CorrelationID),
		attribute.Int("envelope.ttl", env.TTL),
		attribute.Bool("envelope.requires_ack", env.RequiresAck),
	}
}

// --- Context Propagation ---

// ContextWithEnvelope returns ctx joined to the trace named by env.TraceID.
// ctx is returned unchanged when it already carries a span or the trace id
// is not a W3C trace id. The remote parent span id is derived from the
// envelope id so that every hop of one envelope shares a parent.
func ContextWithEnvelope(ctx context.Context, env envelope.Envelope) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	tid, err := trace.TraceIDFromHex(env.TraceID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     spanIDFor(env.ID),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// TraceID returns the W3C trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func spanIDFor(id string) trace.SpanID {
	h := fnv.New64a()
	h.Write([]byte(id))
	var sid trace.SpanID
	sum := h.Sum64()
	for i := 7; i >= 0; i-- {
		sid[i] = byte(sum)
		sum >>= 8
	}
	if !sid.IsValid() {
		sid[7] = 1
	}
	return sid
}

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
