// Package tracing initializes the global OpenTelemetry TracerProvider that
// the otelgin HTTP middleware records its request spans with. Connection
// Session operations (login, room_create, room_join, room_leave,
// room_start) are not spanned individually. There is no collector sidecar
// in this deployment, so spans
// are written as they complete to a configurable io.Writer instead of
// shipped over OTLP/gRPC.
package tracing

import (
	"context"
	"encoding/json"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// writerExporter implements sdktrace.SpanExporter by encoding each
// completed span as a single JSON line written to w.
type writerExporter struct {
	w io.Writer
}

type exportedSpan struct {
	Name       string            `json:"name"`
	TraceID    string            `json:"traceId"`
	SpanID     string            `json:"spanId"`
	DurationNS int64             `json:"durationNs"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e *writerExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		rec := exportedSpan{
			Name:       s.Name(),
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			DurationNS: s.EndTime().Sub(s.StartTime()).Nanoseconds(),
			Attributes: attrs,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := e.w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (e *writerExporter) Shutdown(ctx context.Context) error { return nil }

// Init builds and installs a global TracerProvider that writes completed
// spans to w (use io.Discard in tests). Returns a shutdown function the
// caller should defer.
func Init(w io.Writer, serviceName string) (func(context.Context) error, error) {
	exporter := &writerExporter{w: w}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName), attribute.String("deployment", "single-process")),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
