package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"secrets-hub/pkg/logger"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	otellogglobal "go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
)

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// newLogHandler bridges slog to lp. The bridge skips the JSON handler's
// ReplaceAttr hook, so redaction is applied here as well.
func newLogHandler(lp *sdklog.LoggerProvider) slog.Handler {
	return logger.Redact(otelslog.NewHandler(ScopeName, otelslog.WithLoggerProvider(lp)))
}

func initLogs(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource) (ShutdownFunc, error) {
	exporter, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	console, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(console)),
		sdklog.WithResource(res),
	)
	otellogglobal.SetLoggerProvider(lp)
	slog.SetDefault(slog.New(newLogHandler(lp)))

	return lp.Shutdown, nil
}
