package pipeline

import (
	"context"
	"time"

	"github.com/lsm/eventsub/internal/subscription"
)

// runCommitter flushes commit positions. Single-event subscriptions flush
// on every settled event; deferred-ack subscriptions flush once enough
// acknowledgements are pending, the timeout elapses, or the puller is
// out of window slots. Nothing is committed after ctx is done.
func (p *Pipeline) runCommitter(ctx context.Context) error {
	threshold := 1
	var tick <-chan time.Time
	if d, ok := p.cfg.Mode().(subscription.DeferredAck); ok {
		threshold = min(d.MaxPending, p.window)
		ticker := time.NewTicker(d.Timeout)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			// Slots are only freed by a flush.
			if n := p.offsets.pending(); n < threshold && (n == 0 || !p.starved.Load()) {
				continue
			}
		case <-tick:
		}
		p.flush(ctx)
	}
}

// flush commits every moved watermark and frees the window slots of the
// events it covers. A failed commit is logged; the next flush commits a
// position at or past it.
func (p *Pipeline) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	offsets, covered := p.offsets.snapshot()
	if len(offsets) > 0 {
		status := "ok"
		if err := p.src.Commit(ctx, offsets); err != nil {
			status = "error"
			p.logger.Warn("offset commit failed", "offsets", offsets, "error", err)
		} else {
			p.logger.Debug("offsets committed", "offsets", offsets)
		}
		if p.metrics != nil {
			p.metrics.CommitsTotal.WithLabelValues(p.cfg.Topic(), status).Inc()
		}
	}
	if covered > 0 && p.slots != nil {
		p.slots.Release(int64(covered))
	}
}
