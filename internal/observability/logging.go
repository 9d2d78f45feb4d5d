package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/eventsub/internal/source"
)

// NewLogger creates the process logger: JSON lines on w, tagged with
// component.
func NewLogger(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// ParseLogLevel accepts debug, info, warn (or warning) and error in any
// case. Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EventLogger logs about single events. Every line carries the event's
// stream and log position, plus the trace and span ids when ctx holds a
// recording span.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger wraps logger.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// For returns a logger scoped to evt.
func (l *EventLogger) For(ctx context.Context, evt source.Event) *slog.Logger {
	args := []any{"stream", evt.StreamKey(), "partition", evt.Partition, "offset", evt.Offset}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return l.logger.With(args...)
}

func (l *EventLogger) Warn(ctx context.Context, evt source.Event, msg string, args ...any) {
	l.For(ctx, evt).Warn(msg, args...)
}
