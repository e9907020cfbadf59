package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const (
	CodeError = codes.Error
	CodeOk    = codes.Ok
)

// GetTracer returns a tracer for the named scope, or ScopeName when empty.
func GetTracer(name string) trace.Tracer {
	if name == "" {
		name = ScopeName
	}
	return otel.Tracer(name)
}

// StartSpan opens a span on the scope's tracer with attrs already set.
func StartSpan(ctx context.Context, scope, name string, attrs ...Attribute) (context.Context, trace.Span) {
	return GetTracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// FinishSpan sets the span status from err and ends it. reason becomes the
// status description on failure, typically an error kind.
func FinishSpan(span trace.Span, err error, reason string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(CodeError, reason)
	} else {
		span.SetStatus(CodeOk, "")
	}
	span.End()
}

// TraceID returns the hex trace id carried by ctx, or "" when none is sampled.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func initTraces(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource) (ShutdownFunc, error) {
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
