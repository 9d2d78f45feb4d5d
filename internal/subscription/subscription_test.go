package subscription

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/source"
	"github.com/lsm/eventsub/internal/streamkey"
)

var noopDeserializer = codec.DeserializerFunc(func(_ context.Context, evt source.Event) (codec.Message, error) {
	return codec.Message{Type: "noop", Event: evt}, nil
})

func TestNew_Defaults(t *testing.T) {
	cfg, err := New("orders", noopDeserializer, SingleEvent{BufferSize: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Topic() != "orders" {
		t.Errorf("Topic() = %q", cfg.Topic())
	}
	if !cfg.SkipUnknownMessages() {
		t.Error("unknown messages should be skipped by default")
	}
	if cfg.DeadLetterEnabled() {
		t.Error("dead letter should be disabled by default")
	}
	if cfg.BatchProcessingRequired() {
		t.Error("single event mode must not require batch processing")
	}
	if cfg.BufferSize() != 4 {
		t.Errorf("BufferSize() = %d, want 4", cfg.BufferSize())
	}
	if cfg.HandlerConfig().Retry != retry.DefaultConfig() {
		t.Errorf("HandlerConfig() = %+v", cfg.HandlerConfig())
	}
	if _, ok := cfg.StreamKey().(streamkey.Default); !ok {
		t.Errorf("StreamKey() = %T, want default keyer", cfg.StreamKey())
	}
	if cfg.StreamKeyExpr() != "" || cfg.ObservingDelay() != 0 || cfg.RateLimit().Enabled() {
		t.Error("optional features should be off by default")
	}
}

func TestNew_EmptyTopicIsConfigError(t *testing.T) {
	modes := []Mode{
		SingleEvent{},
		SingleEvent{BufferSize: 10},
		DeferredAck{BufferSize: 2, Timeout: time.Second, MaxPending: 1},
		Batch{MaxSize: 100, MaxWait: time.Second},
	}
	for _, topic := range []string{"", " ", "\t\n"} {
		for _, mode := range modes {
			_, err := New(topic, noopDeserializer, mode, WithDeadLetter(true))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New(%q, %s) error = %v, want ErrInvalidConfig", topic, mode, err)
			}
		}
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		deser codec.Deserializer
		mode  Mode
		opts  []Option
	}{
		{"nil deserializer", nil, SingleEvent{}, nil},
		{"nil mode", noopDeserializer, nil, nil},
		{"negative buffer", noopDeserializer, SingleEvent{BufferSize: -1}, nil},
		{"negative deferred buffer", noopDeserializer, DeferredAck{BufferSize: -1, Timeout: time.Second, MaxPending: 1}, nil},
		{"deferred without timeout", noopDeserializer, DeferredAck{BufferSize: 2, MaxPending: 1}, nil},
		{"deferred without pending", noopDeserializer, DeferredAck{BufferSize: 2, Timeout: time.Second}, nil},
		{"empty batch", noopDeserializer, Batch{MaxWait: time.Second}, nil},
		{"batch without wait", noopDeserializer, Batch{MaxSize: 10}, nil},
		{"bad retry", noopDeserializer, SingleEvent{}, []Option{WithHandlerConfig(HandlerConfig{Retry: retry.Config{}})}},
		{"negative handler timeout", noopDeserializer, SingleEvent{}, []Option{WithHandlerConfig(HandlerConfig{Retry: retry.DefaultConfig(), Timeout: -time.Second})}},
		{"bad stream key", noopDeserializer, SingleEvent{}, []Option{WithStreamKey("payload.")}},
		{"negative delay", noopDeserializer, SingleEvent{}, []Option{WithObservingDelay(-time.Second)}},
		{"negative rate", noopDeserializer, SingleEvent{}, []Option{WithRateLimit(-1, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("orders", tt.deser, tt.mode, tt.opts...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNew_Batch(t *testing.T) {
	cfg, err := New("orders", noopDeserializer, Batch{MaxSize: 50, MaxWait: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.BatchProcessingRequired() {
		t.Error("batch mode must require batch processing")
	}
	if cfg.BufferSize() != 50 {
		t.Errorf("BufferSize() = %d, want 50", cfg.BufferSize())
	}
	if cfg.Mode().String() != "batch" {
		t.Errorf("Mode() = %s", cfg.Mode())
	}
}

func TestNew_Options(t *testing.T) {
	hc := HandlerConfig{Retry: retry.Config{MaxAttempts: 7, MaxInterval: time.Second}, Timeout: 2 * time.Second}
	cfg, err := New("orders", noopDeserializer,
		DeferredAck{BufferSize: 8, Timeout: time.Second, MaxPending: 4},
		WithSkipUnknownMessages(false),
		WithDeadLetter(true),
		WithHandlerConfig(hc),
		WithStreamKey("payload.orderId"),
		WithObservingDelay(3*time.Second),
		WithRateLimit(100, 0),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SkipUnknownMessages() || !cfg.DeadLetterEnabled() {
		t.Error("policy options not applied")
	}
	if cfg.HandlerConfig() != hc {
		t.Errorf("HandlerConfig() = %+v, want %+v", cfg.HandlerConfig(), hc)
	}
	if cfg.StreamKeyExpr() != "payload.orderId" {
		t.Errorf("StreamKeyExpr() = %q", cfg.StreamKeyExpr())
	}
	if _, ok := cfg.StreamKey().(*streamkey.CEL); !ok {
		t.Errorf("StreamKey() = %T, want CEL keyer", cfg.StreamKey())
	}
	if cfg.ObservingDelay() != 3*time.Second {
		t.Errorf("ObservingDelay() = %s", cfg.ObservingDelay())
	}
	if rl := cfg.RateLimit(); rl.EventsPerSecond != 100 || rl.Burst != 1 {
		t.Errorf("RateLimit() = %+v, want 100/s burst 1", rl)
	}
	if cfg.BufferSize() != 8 {
		t.Errorf("BufferSize() = %d", cfg.BufferSize())
	}
}

func TestNew_ReportsEveryProblem(t *testing.T) {
	_, err := New("", nil, Batch{})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"topic is required", "deserializer is required", "maxSize", "maxWait"} {
		if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}
