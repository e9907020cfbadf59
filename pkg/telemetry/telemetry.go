package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ScopeName is the instrumentation scope used when callers pass no name.
const ScopeName = "secrets-hub"

// Attribute is a telemetry key/value pair.
type Attribute = attribute.KeyValue

// ShutdownFunc flushes and closes one signal pipeline.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// StringAttribute builds a string attribute.
func StringAttribute(key, value string) Attribute {
	return attribute.String(key, value)
}

// IntAttribute builds an int attribute.
func IntAttribute(key string, value int) Attribute {
	return attribute.Int(key, value)
}

// Init wires traces, metrics and logs to the OTLP collector named by
// OTEL_EXPORTER_OTLP_ENDPOINT over one gRPC connection. When the variable is
// unset every pipeline is a no-op and logs stay on the current slog default.
func Init(ctx context.Context, serviceName string) (ShutdownFunc, ShutdownFunc, ShutdownFunc, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Warn("otel_disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return noopShutdown, noopShutdown, noopShutdown, nil
	}

	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if serviceName == "" {
		serviceName = "unknown-service"
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	)

	shutdownTracer, err := initTraces(ctx, conn, res)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	shutdownMeter, err := initMetrics(ctx, conn, res)
	if err != nil {
		shutdownTracer(ctx)
		conn.Close()
		return nil, nil, nil, err
	}
	shutdownLogger, err := initLogs(ctx, conn, res)
	if err != nil {
		shutdownTracer(ctx)
		shutdownMeter(ctx)
		conn.Close()
		return nil, nil, nil, err
	}

	slog.Info("otel_enabled", "endpoint", endpoint, "service", serviceName)

	// The logger pipeline is flushed last, so it owns closing the connection.
	closeAll := func(ctx context.Context) error {
		err := shutdownLogger(ctx)
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return shutdownTracer, shutdownMeter, closeAll, nil
}
