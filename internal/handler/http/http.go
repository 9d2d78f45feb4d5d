// Package http forwards events to an HTTP endpoint. Retries belong to the
// pipeline; the forwarder reports which failures are worth retrying.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/correlation"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/tracing"
)

// Headers describing the event's log position.
const (
	HeaderTopic     = "Eventsub-Topic"
	HeaderPartition = "Eventsub-Partition"
	HeaderOffset    = "Eventsub-Offset"
	HeaderStream    = "Eventsub-Stream"
	HeaderType      = "Eventsub-Type"
)

const defaultTimeout = 30 * time.Second

// Config holds the configuration for an HTTP forwarder.
type Config struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Forwarder sends the raw payload of each event to an HTTP endpoint.
type Forwarder struct {
	client *http.Client
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg Config) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Forwarder{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: slog.Default(),
	}, nil
}

// SetTracer sets the tracer for the forwarder.
func (f *Forwarder) SetTracer(tracer trace.Tracer) {
	f.tracer = tracer
}

// SetLogger sets the logger for the forwarder.
func (f *Forwarder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		f.logger = logger
	}
}

// Handle forwards one event. Client errors other than 429 are permanent.
func (f *Forwarder) Handle(ctx context.Context, msg codec.Message) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(msg.Event.Headers)

	ctx, span := tracing.StartSpan(ctx, f.tracer, tracing.SpanHTTPForward,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(f.config.URL),
			tracing.CorrelationAttr(corrID.Value),
			tracing.MessageTypeAttr(msg.Type),
		),
	)
	defer span.End()

	status, err := f.doRequest(ctx, msg, corrID)
	if status > 0 {
		span.SetAttributes(tracing.HTTPStatusAttr(status))
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		f.logger.Debug("forward failed",
			"correlation_id", corrID.Value,
			"target", f.config.URL,
			"error", err,
		)
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}

	tracing.SetSpanOK(span)
	f.logger.Debug("event forwarded",
		"correlation_id", corrID.Value,
		"target", f.config.URL,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// HandleBatch forwards events one request at a time, in order.
func (f *Forwarder) HandleBatch(ctx context.Context, msgs []codec.Message) error {
	for _, msg := range msgs {
		if err := f.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close releases idle connections.
func (f *Forwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *Forwarder) doRequest(ctx context.Context, msg codec.Message, corrID correlation.ID) (int, error) {
	req, err := http.NewRequestWithContext(ctx, f.config.Method, f.config.URL, bytes.NewReader(msg.Event.Value))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	// Static headers first, event headers may override them.
	for k, v := range f.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Event.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderTopic, msg.Event.Topic)
	req.Header.Set(HeaderPartition, strconv.FormatInt(int64(msg.Event.Partition), 10))
	req.Header.Set(HeaderOffset, strconv.FormatInt(msg.Event.Offset, 10))
	req.Header.Set(HeaderStream, msg.Event.StreamKey())
	if msg.Type != "" {
		req.Header.Set(HeaderType, msg.Type)
	}
	for k, v := range correlation.InjectTraceContext(ctx, correlation.AddToHeaders(nil, corrID)) {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &StatusError{Code: resp.StatusCode}
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanent returns true for client errors (4xx) except 429 Too Many Requests.
func isPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}
