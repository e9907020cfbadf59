package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute names whose values are never written out.
var sensitiveKeys = map[string]bool{
	"token":      true,
	"credential": true,
	"password":   true,
	"secret":     true,
	"value":      true,
}

// Setup initializes the global slog logger to output JSON to the provided writer.
// It adds a permanent "service" field to all log entries and redacts
// attributes whose names look like credentials.
func Setup(w io.Writer, serviceName string) {
	SetupLevel(w, serviceName, slog.LevelInfo)
}

// SetupLevel is Setup with an explicit minimum level.
func SetupLevel(w io.Writer, serviceName string, level slog.Level) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}

	handler := slog.NewJSONHandler(w, opts).
		WithAttrs([]slog.Attr{
			slog.String("service", serviceName),
		})

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Secret wraps a sensitive string so it renders as [REDACTED] in any log output.
type Secret string

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s Secret) String() string {
	return redacted
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Redact wraps h so credential-named attributes are masked even when h has no
// ReplaceAttr hook of its own, as with the OpenTelemetry bridge.
func Redact(h slog.Handler) slog.Handler {
	return redactHandler{h}
}

type redactHandler struct {
	slog.Handler
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(nil, a))
		return true
	})
	return h.Handler.Handle(ctx, out)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redactAttr(nil, a)
	}
	return redactHandler{h.Handler.WithAttrs(masked)}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{h.Handler.WithGroup(name)}
}
