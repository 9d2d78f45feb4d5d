// Package handler provides the built-in event handlers: a router that
// dispatches by message type and a logging handler.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/pipeline"
	"github.com/lsm/eventsub/internal/retry"
)

// Func adapts a function to pipeline.Handler.
type Func func(ctx context.Context, msg codec.Message) error

func (f Func) Handle(ctx context.Context, msg codec.Message) error {
	return f(ctx, msg)
}

// BatchFunc adapts a function to pipeline.BatchHandler.
type BatchFunc func(ctx context.Context, msgs []codec.Message) error

func (f BatchFunc) HandleBatch(ctx context.Context, msgs []codec.Message) error {
	return f(ctx, msgs)
}

// Router dispatches messages to the handler registered for their type,
// or to the fallback. A message with no route and no fallback fails
// permanently.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]pipeline.Handler
	fallback pipeline.Handler
}

var (
	_ pipeline.Handler      = (*Router)(nil)
	_ pipeline.BatchHandler = (*Router)(nil)
)

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback pipeline.Handler) *Router {
	return &Router{routes: make(map[string]pipeline.Handler), fallback: fallback}
}

// Route registers h for messages of type msgType, replacing any previous
// registration.
func (r *Router) Route(msgType string, h pipeline.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[msgType] = h
}

func (r *Router) lookup(msgType string) (pipeline.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.routes[msgType]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, retry.Permanent(fmt.Errorf("no handler for message type %q", msgType))
}

func (r *Router) Handle(ctx context.Context, msg codec.Message) error {
	h, err := r.lookup(msg.Type)
	if err != nil {
		return err
	}
	return h.Handle(ctx, msg)
}

// HandleBatch splits msgs into runs of the same type, keeping their order.
// A run goes to its handler's HandleBatch when it has one, otherwise its
// messages are handled one by one. The first error stops the batch.
func (r *Router) HandleBatch(ctx context.Context, msgs []codec.Message) error {
	for start := 0; start < len(msgs); {
		end := start + 1
		for end < len(msgs) && msgs[end].Type == msgs[start].Type {
			end++
		}
		run := msgs[start:end]
		start = end

		h, err := r.lookup(run[0].Type)
		if err != nil {
			return err
		}
		if bh, ok := h.(pipeline.BatchHandler); ok {
			if err := bh.HandleBatch(ctx, run); err != nil {
				return err
			}
			continue
		}
		for _, msg := range run {
			if err := h.Handle(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Logger logs every message and succeeds.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogger logs messages at level. A nil logger uses slog.Default.
func NewLogger(logger *slog.Logger, level slog.Level) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, level: level}
}

func (l *Logger) Handle(ctx context.Context, msg codec.Message) error {
	l.logger.Log(ctx, l.level, "event received",
		"type", msg.Type,
		"topic", msg.Event.Topic,
		"partition", msg.Event.Partition,
		"offset", msg.Event.Offset,
		"stream", msg.Event.Stream,
	)
	return nil
}

func (l *Logger) HandleBatch(ctx context.Context, msgs []codec.Message) error {
	for _, msg := range msgs {
		if err := l.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
