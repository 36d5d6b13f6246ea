package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

const tracerName = "github.com/tavstaldev/rebus-core/internal/store"

// traced wraps a Store with one span per operation.
type traced struct {
	next   Store
	tracer trace.Tracer
}

// Traced returns a Store that records an OpenTelemetry span around each call
// to next. A nil provider uses the global one, which is a no-op until
// tracing is configured.
func Traced(next Store, tp trace.TracerProvider) Store {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &traced{next: next, tracer: tp.Tracer(tracerName)}
}

func (t *traced) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		class := entity.ClassOf(err)
		span.SetAttributes(attribute.String("rebus.error_class", class.String()))
		// A missing record is an answer, not a failure.
		if class != entity.ClassNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func keyAttrs(key entity.Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rebus.record_type", string(key.Type)),
		attribute.String("rebus.entity_id", key.ID.String()),
	}
}

func (t *traced) Load(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	ctx, span := t.start(ctx, "load", keyAttrs(key)...)
	snap, err := t.next.Load(ctx, key)
	if err == nil {
		span.SetAttributes(attribute.Int64("rebus.revision", int64(snap.Revision)))
	}
	finish(span, err)
	return snap, err
}

func (t *traced) Save(ctx context.Context, key entity.Key, snap entity.Snapshot) error {
	attrs := append(keyAttrs(key), attribute.Int64("rebus.revision", int64(snap.Revision)))
	ctx, span := t.start(ctx, "save", attrs...)
	err := t.next.Save(ctx, key, snap)
	finish(span, err)
	return err
}

func (t *traced) Delete(ctx context.Context, key entity.Key, revision uint64) error {
	attrs := append(keyAttrs(key), attribute.Int64("rebus.revision", int64(revision)))
	ctx, span := t.start(ctx, "delete", attrs...)
	err := t.next.Delete(ctx, key, revision)
	finish(span, err)
	return err
}

func (t *traced) Migrate(ctx context.Context) error {
	ctx, span := t.start(ctx, "migrate")
	err := t.next.Migrate(ctx)
	finish(span, err)
	return err
}

func (t *traced) HealthCheck(ctx context.Context) error {
	ctx, span := t.start(ctx, "health_check")
	err := t.next.HealthCheck(ctx)
	finish(span, err)
	return err
}
