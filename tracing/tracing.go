// Package tracing records courier message handling as OpenTelemetry spans.
//
// One span covers a message from the moment it enters a bus until it has
// been processed. Handler invocations are added to it as span events.
package tracing

import (
	"context"
	"time"

	"github.com/bjaus/courier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of the spans.
const ScopeName = "github.com/bjaus/courier"

// Attribute keys.
const (
	KindKey    = attribute.Key("courier.kind")
	NameKey    = attribute.Key("courier.message")
	HandlerKey = attribute.Key("courier.handler")
)

// Options returns engine hooks tracing with tp. A nil tp uses the global
// tracer provider.
func Options(tp trace.TracerProvider) []courier.Option {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	t := &tracer{tracer: tp.Tracer(ScopeName)}
	return []courier.Option{
		courier.WithOnReceive(t.onReceive),
		courier.WithOnSuccess(t.onSuccess),
		courier.WithOnFailure(t.onFailure),
		courier.WithOnComplete(t.onComplete),
	}
}

type tracer struct {
	tracer trace.Tracer
}

func (t *tracer) onReceive(ctx context.Context, kind courier.HandlerKind, name string) context.Context {
	spanKind := trace.SpanKindInternal
	if kind == courier.EventKind {
		spanKind = trace.SpanKindConsumer
	}
	ctx, _ = t.tracer.Start(ctx, "courier."+kind.String(),
		trace.WithSpanKind(spanKind),
		trace.WithAttributes(
			KindKey.String(kind.String()),
			NameKey.String(name),
		),
	)
	return ctx
}

func (t *tracer) onSuccess(ctx context.Context, kind courier.HandlerKind, name, handler string, d time.Duration) {
	trace.SpanFromContext(ctx).AddEvent("handled", trace.WithAttributes(
		HandlerKey.String(handler),
		attribute.Int64("courier.duration_ms", d.Milliseconds()),
	))
}

func (t *tracer) onFailure(ctx context.Context, kind courier.HandlerKind, name, handler string, err error, d time.Duration) {
	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(HandlerKey.String(handler)))
}

func (t *tracer) onComplete(ctx context.Context, kind courier.HandlerKind, name string, err error, d time.Duration) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
