package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/correlation"
	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/observability"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/source"
	"github.com/lsm/eventsub/internal/tracing"
)

// failure describes a permanently failed delivery.
type failure struct {
	err      error
	attempts int
	first    time.Time
}

// processEvent takes one event to a terminal outcome. A returned error is
// either fatal or the cancellation of ctx; in both cases the event stays
// unresolved.
func (p *Pipeline) processEvent(ctx context.Context, evt source.Event) (string, error) {
	corr := correlation.ExtractOrGenerate(evt.Headers).Value

	msg, fail, err := p.decode(ctx, evt)
	if err != nil {
		return "", err
	}
	if fail == nil && msg == nil {
		p.logger.Debug("dropping unknown message", "stream", evt.Stream, "partition", evt.Partition, "offset", evt.Offset)
		return observability.OutcomeDropped, nil
	}

	if p.cfg.DeadLetterEnabled() {
		poisoned, err := p.isPoisoned(ctx, evt)
		if err != nil {
			return "", err
		}
		if poisoned {
			return p.divert(ctx, evt, corr)
		}
	}

	if fail == nil {
		fail, err = p.deliver(ctx, *msg, corr)
		if err != nil {
			return "", err
		}
		if fail == nil {
			return observability.OutcomeAcked, nil
		}
	}
	return p.fail(ctx, evt, corr, fail)
}

// decode returns the message, or a failure for payloads that cannot be
// delivered. Both are nil for an unknown message that is skipped.
// Transient decoder errors are retried with the handler policy.
func (p *Pipeline) decode(ctx context.Context, evt source.Event) (*codec.Message, *failure, error) {
	var (
		msg   codec.Message
		first time.Time
	)
	err := retry.Do(ctx, p.cfg.HandlerConfig().Retry, func(ctx context.Context) error {
		m, err := p.cfg.Deserializer().Deserialize(ctx, evt)
		if err != nil {
			if first.IsZero() {
				first = p.now()
			}
			if errors.Is(err, codec.ErrUnknownMessage) || errors.Is(err, codec.ErrMalformed) {
				return retry.Permanent(err)
			}
			return err
		}
		msg = m
		return nil
	})
	if err == nil {
		msg.Event = evt
		return &msg, nil, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	if codec.IsUnknown(err) && p.cfg.SkipUnknownMessages() {
		return nil, nil, nil
	}
	return nil, &failure{err: fmt.Errorf("decode: %w", err), attempts: retry.Attempts(err), first: first}, nil
}

// deliver invokes the handler under the retry policy. It returns a failure
// once retries are exhausted.
func (p *Pipeline) deliver(ctx context.Context, msg codec.Message, corr string) (*failure, error) {
	evt := msg.Event
	spanCtx, span := tracing.StartSpan(correlation.ExtractTraceContext(ctx, evt.Headers), p.tracer, tracing.SpanHandle,
		trace.WithAttributes(tracing.EventAttrs(evt.Topic, evt.Partition, evt.Offset, evt.Stream)...),
		trace.WithAttributes(tracing.ModeAttr(p.cfg.Mode().String()), tracing.CorrelationAttr(corr), tracing.MessageTypeAttr(msg.Type)),
	)
	defer span.End()

	fail, err := p.invoke(spanCtx, func(ctx context.Context) error {
		return p.handler.Handle(ctx, msg)
	})
	switch {
	case err != nil:
		tracing.SetSpanError(span, err)
	case fail != nil:
		span.SetAttributes(tracing.AttemptsAttr(fail.attempts))
		tracing.SetSpanError(span, fail.err)
		p.elog.Warn(spanCtx, evt, "handler failed permanently",
			"attempts", fail.attempts, "correlation_id", corr, "error", fail.err)
	default:
		tracing.SetSpanOK(span)
	}
	return fail, err
}

// invoke runs fn with retries and a per-attempt timeout.
func (p *Pipeline) invoke(ctx context.Context, fn func(context.Context) error) (*failure, error) {
	hc := p.cfg.HandlerConfig()
	var first time.Time

	start := time.Now()
	err := retry.Do(ctx, hc.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if hc.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, hc.Timeout)
		}
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && first.IsZero() {
			first = p.now()
		}
		return err
	})
	if p.metrics != nil {
		p.metrics.HandlerDuration.WithLabelValues(p.cfg.Topic(), p.cfg.Mode().String()).Observe(time.Since(start).Seconds())
	}

	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &failure{err: err, attempts: retry.Attempts(err), first: first}, nil
}

// fail applies the dead-letter policy to a permanently failed event.
func (p *Pipeline) fail(ctx context.Context, evt source.Event, corr string, f *failure) (string, error) {
	if !p.cfg.DeadLetterEnabled() {
		return "", p.fatal(evt, f.err)
	}
	pe := inbox.NewPoisonEvent(evt, f.err, f.attempts, f.first, p.now(), corr)
	if err := p.quarantine(ctx, []inbox.PoisonEvent{pe}); err != nil {
		return "", err
	}
	return observability.OutcomeQuarantined, nil
}

// divert quarantines an event of an already poisoned stream without
// invoking the handler.
func (p *Pipeline) divert(ctx context.Context, evt source.Event, corr string) (string, error) {
	pe := inbox.NewPoisonEvent(evt, ErrStreamPoisoned, 0, time.Time{}, p.now(), corr)
	if err := p.quarantine(ctx, []inbox.PoisonEvent{pe}); err != nil {
		return "", err
	}
	return observability.OutcomeQuarantined, nil
}

func (p *Pipeline) fatal(evt source.Event, err error) error {
	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(p.cfg.Topic(), observability.OutcomeFailed).Inc()
	}
	return fmt.Errorf("%w: %s partition %d offset %d (stream %s): %w",
		ErrFatal, evt.Topic, evt.Partition, evt.Offset, evt.Stream, err)
}

// quarantine durably records events in the inbox. No write is started once
// ctx is done.
func (p *Pipeline) quarantine(ctx context.Context, events []inbox.PoisonEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	spanCtx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanQuarantine, trace.WithAttributes(tracing.BatchSizeAttr(len(events))))
	defer span.End()

	err := p.storage(spanCtx, "add poison events", func(ctx context.Context) error {
		return p.inbox.Add(ctx, events)
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)

	if p.metrics != nil {
		p.metrics.PoisonEvents.WithLabelValues(p.cfg.Topic()).Add(float64(len(events)))
	}
	for _, pe := range events {
		p.elog.Warn(spanCtx, pe.Event, "event quarantined",
			"failure_count", pe.FailureCount, "reason", pe.Reason, "correlation_id", pe.CorrelationID)
	}
	return nil
}

func (p *Pipeline) isPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	var poisoned bool
	err := p.storage(ctx, "check poison stream", func(ctx context.Context) error {
		var err error
		poisoned, err = p.inbox.IsStreamPoisoned(ctx, evt)
		return err
	})
	return poisoned, err
}

// storage runs an inbox call under the storage retry policy. Only storage
// errors are retried; giving up is fatal.
func (p *Pipeline) storage(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, p.storageRetry, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, inbox.ErrStorage) {
			if err != nil {
				p.logger.Warn("poison inbox unavailable, retrying", "op", op, "error", err)
			}
			return err
		}
		return retry.Permanent(err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
}
