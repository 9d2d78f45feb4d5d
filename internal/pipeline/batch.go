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
	"github.com/lsm/eventsub/internal/source"
	"github.com/lsm/eventsub/internal/subscription"
	"github.com/lsm/eventsub/internal/tracing"
)

type batchItem struct {
	evt    source.Event
	ticket *ticket
	corr   string
	msg    *codec.Message
	fail   *failure
	done   bool
}

// runBatches collects, delivers and commits one batch at a time.
func (p *Pipeline) runBatches(ctx context.Context) error {
	mode := p.cfg.Mode().(subscription.Batch)

	var carry []source.Event
	for {
		events, rest, err := p.collect(ctx, mode, carry)
		if err != nil {
			return err
		}
		carry = rest

		items := make([]*batchItem, 0, len(events))
		for _, evt := range events {
			evt = p.assignStream(ctx, evt)
			items = append(items, &batchItem{
				evt:    evt,
				ticket: p.offsets.track(evt),
				corr:   correlation.ExtractOrGenerate(evt.Headers).Value,
			})
		}
		p.inFlight(float64(len(items)))

		if err := p.processBatch(ctx, items); err != nil {
			return err
		}
		p.flush(ctx)
	}
}

// collect returns up to MaxSize events: whatever arrives within MaxWait of
// the first one. Events beyond MaxSize are returned as the carry for the
// next batch.
func (p *Pipeline) collect(ctx context.Context, mode subscription.Batch, carry []source.Event) ([]source.Event, []source.Event, error) {
	pending := carry
	for len(pending) == 0 {
		events, err := p.src.Poll(ctx)
		if err != nil {
			return nil, nil, p.pollErr(ctx, err)
		}
		pending = events
	}

	deadline, cancel := context.WithTimeout(ctx, mode.MaxWait)
	defer cancel()
	for len(pending) < mode.MaxSize {
		events, err := p.src.Poll(deadline)
		if err != nil {
			if ctx.Err() == nil && errors.Is(deadline.Err(), context.DeadlineExceeded) {
				break
			}
			return nil, nil, p.pollErr(ctx, err)
		}
		pending = append(pending, events...)
	}

	n := min(len(pending), mode.MaxSize)
	if p.limiter != nil {
		for range n {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}
	}
	return pending[:n:n], pending[n:], nil
}

func (p *Pipeline) pollErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: poll: %w", ErrFatal, err)
}

// processBatch takes every item to a terminal outcome. The batch handler
// sees the batch once; if it fails, or some payloads could not be decoded,
// the remaining items are delivered one by one so only the failing streams
// are quarantined.
func (p *Pipeline) processBatch(ctx context.Context, items []*batchItem) error {
	for _, it := range items {
		msg, fail, err := p.decode(ctx, it.evt)
		if err != nil {
			return err
		}
		switch {
		case fail != nil && !p.cfg.DeadLetterEnabled():
			return p.fatal(it.evt, fail.err)
		case fail != nil:
			it.fail = fail
		case msg == nil:
			p.finish(it, observability.OutcomeDropped)
		default:
			it.msg = msg
		}
	}

	poisoned := make(map[string]bool)
	if p.cfg.DeadLetterEnabled() {
		if err := p.divertPoisoned(ctx, items, poisoned); err != nil {
			return err
		}
	}

	live := pendingItems(items)
	if len(live) == 0 {
		return nil
	}

	decoded := true
	for _, it := range live {
		if it.fail != nil {
			decoded = false
			break
		}
	}
	if decoded {
		msgs := make([]codec.Message, len(live))
		for i, it := range live {
			msgs[i] = *it.msg
		}
		fail, err := p.deliverBatch(ctx, msgs)
		if err != nil {
			return err
		}
		if fail == nil {
			for _, it := range live {
				p.finish(it, observability.OutcomeAcked)
			}
			return nil
		}
		if !p.cfg.DeadLetterEnabled() {
			return p.fatal(live[0].evt, fail.err)
		}
		p.logger.Warn("batch failed, delivering events one by one", "size", len(live), "error", fail.err)
	}
	return p.processSequential(ctx, live, poisoned)
}

// divertPoisoned quarantines, in one write, the items whose stream is
// already poisoned and records those streams in poisoned.
func (p *Pipeline) divertPoisoned(ctx context.Context, items []*batchItem, poisoned map[string]bool) error {
	live := pendingItems(items)
	if len(live) == 0 {
		return nil
	}
	events := make([]source.Event, len(live))
	for i, it := range live {
		events[i] = it.evt
	}

	var hits []source.Event
	err := p.storage(ctx, "check poison streams", func(ctx context.Context) error {
		var err error
		hits, err = p.inbox.GetPoisonStreamsEvents(ctx, events)
		return err
	})
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return nil
	}

	hit := make(map[string]bool, len(hits))
	for _, evt := range hits {
		hit[inbox.PositionKey(evt)] = true
		poisoned[evt.StreamKey()] = true
	}
	var diverted []*batchItem
	var records []inbox.PoisonEvent
	now := p.now()
	for _, it := range live {
		if hit[inbox.PositionKey(it.evt)] {
			diverted = append(diverted, it)
			records = append(records, inbox.NewPoisonEvent(it.evt, ErrStreamPoisoned, 0, time.Time{}, now, it.corr))
		}
	}
	if err := p.quarantine(ctx, records); err != nil {
		return err
	}
	for _, it := range diverted {
		p.finish(it, observability.OutcomeQuarantined)
	}
	return nil
}

// processSequential delivers items in order as single-message batches. A
// failing item poisons its stream for the rest of the batch.
func (p *Pipeline) processSequential(ctx context.Context, items []*batchItem, poisoned map[string]bool) error {
	for _, it := range items {
		stream := it.evt.StreamKey()
		if poisoned[stream] {
			pe := inbox.NewPoisonEvent(it.evt, ErrStreamPoisoned, 0, time.Time{}, p.now(), it.corr)
			if err := p.quarantine(ctx, []inbox.PoisonEvent{pe}); err != nil {
				return err
			}
			p.finish(it, observability.OutcomeQuarantined)
			continue
		}

		fail := it.fail
		if fail == nil {
			var err error
			fail, err = p.deliverBatch(ctx, []codec.Message{*it.msg})
			if err != nil {
				return err
			}
		}
		if fail == nil {
			p.finish(it, observability.OutcomeAcked)
			continue
		}
		outcome, err := p.fail(ctx, it.evt, it.corr, fail)
		if err != nil {
			return err
		}
		poisoned[stream] = true
		p.finish(it, outcome)
	}
	return nil
}

// deliverBatch invokes the batch handler under the retry policy.
func (p *Pipeline) deliverBatch(ctx context.Context, msgs []codec.Message) (*failure, error) {
	spanCtx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanHandleBatch,
		trace.WithAttributes(tracing.ModeAttr(p.cfg.Mode().String()), tracing.BatchSizeAttr(len(msgs))),
	)
	defer span.End()

	fail, err := p.invoke(spanCtx, func(ctx context.Context) error {
		return p.batch.HandleBatch(ctx, msgs)
	})
	switch {
	case err != nil:
		tracing.SetSpanError(span, err)
	case fail != nil:
		span.SetAttributes(tracing.AttemptsAttr(fail.attempts))
		tracing.SetSpanError(span, fail.err)
	default:
		tracing.SetSpanOK(span)
	}
	return fail, err
}

func (p *Pipeline) finish(it *batchItem, outcome string) {
	it.done = true
	p.resolve(it.ticket, outcome)
}

func pendingItems(items []*batchItem) []*batchItem {
	var out []*batchItem
	for _, it := range items {
		if !it.done {
			out = append(out, it)
		}
	}
	return out
}
