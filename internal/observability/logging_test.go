package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/eventsub/internal/source"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "eventsub", slog.LevelInfo)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug filtered at info, got %s", buf.String())
	}
	logger.Info("consuming", "topic", "orders")
	line := decodeLine(t, &buf)
	if line["component"] != "eventsub" || line["topic"] != "orders" || line["msg"] != "consuming" {
		t.Errorf("unexpected line %v", line)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"trace", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEventLogger_Position(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	evt := source.Event{Topic: "orders", Partition: 3, Offset: 42, Key: []byte("o-1")}
	l.Warn(context.Background(), evt, "handler failed permanently", "attempts", 5)

	line := decodeLine(t, &buf)
	if line["stream"] != "orders/3/o-1" {
		t.Errorf("stream = %v", line["stream"])
	}
	if line["partition"] != float64(3) || line["offset"] != float64(42) || line["attempts"] != float64(5) {
		t.Errorf("unexpected line %v", line)
	}
	if _, ok := line["trace_id"]; ok {
		t.Errorf("expected no trace ids without a span, got %v", line)
	}
}

func TestEventLogger_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	evt := source.Event{Topic: "orders", Offset: 7, Stream: "order-17"}
	l.For(ctx, evt).Info("event quarantined")

	line := decodeLine(t, &buf)
	if line["trace_id"] != sc.TraceID().String() || line["span_id"] != sc.SpanID().String() {
		t.Errorf("expected trace ids, got %v", line)
	}
	if line["stream"] != "order-17" {
		t.Errorf("expected the assigned stream, got %v", line["stream"])
	}
}
