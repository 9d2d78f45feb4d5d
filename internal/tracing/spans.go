package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrSubscription   = "eventsub.subscription.topic"
	AttrMode           = "eventsub.mode"
	AttrStream         = "eventsub.stream"
	AttrCorrelationID  = "eventsub.correlation_id"
	AttrMessageType    = "eventsub.message.type"
	AttrAttempts       = "eventsub.handler.attempts"
	AttrBatchSize      = "eventsub.batch.size"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrHTTPTarget     = "http.target"
	AttrHTTPStatus     = "http.status_code"
)

const (
	SpanHandle      = "eventsub.handle"
	SpanHandleBatch = "eventsub.handle_batch"
	SpanQuarantine  = "eventsub.quarantine"
	SpanHTTPForward = "http.forward"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// EventAttrs returns the position attributes of one consumed event.
func EventAttrs(topic string, partition int32, offset int64, stream string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrKafkaTopic, topic),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
		attribute.String(AttrStream, stream),
	}
}

func ModeAttr(mode string) attribute.KeyValue {
	return attribute.String(AttrMode, mode)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func MessageTypeAttr(name string) attribute.KeyValue {
	return attribute.String(AttrMessageType, name)
}

func AttemptsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempts, n)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}
