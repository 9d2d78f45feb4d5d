// Package pipeline delivers events from a partitioned log to handlers. It
// keeps per-stream order, bounds the number of unacknowledged events,
// commits offsets only past resolved events and diverts streams whose
// events permanently fail into the poison inbox.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/observability"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/source"
	"github.com/lsm/eventsub/internal/streamkey"
	"github.com/lsm/eventsub/internal/subscription"
)

var (
	// ErrFatal marks a condition that stops the pipeline without
	// committing past the affected event.
	ErrFatal = errors.New("pipeline halted")

	// ErrStreamPoisoned is the reason recorded for events diverted because
	// an earlier event of their stream was quarantined.
	ErrStreamPoisoned = errors.New("stream is poisoned")
)

// DefaultLanes is the number of concurrent stream workers.
const DefaultLanes = 8

// DefaultStorageRetry governs poison inbox calls. Exhausting it is fatal.
func DefaultStorageRetry() retry.Config {
	return retry.Config{
		MaxAttempts:     10,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records outcomes, durations and commits.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer wraps handler invocations in spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithLanes sets the number of stream workers. Values below 1 are ignored.
func WithLanes(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.lanes = n
		}
	}
}

// WithStorageRetry sets the retry policy for poison inbox calls.
func WithStorageRetry(cfg retry.Config) Option {
	return func(p *Pipeline) { p.storageRetry = cfg }
}

// WithClock overrides the time source used for poison timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline consumes one subscription from one source.
type Pipeline struct {
	cfg     *subscription.Config
	src     source.Source
	handler Handler
	batch   BatchHandler
	inbox   inbox.Inbox
	keyer   streamkey.Keyer
	limiter *rate.Limiter

	lanes        int
	window       int
	storageRetry retry.Config
	now          func() time.Time

	logger  *slog.Logger
	elog    *observability.EventLogger
	metrics *observability.Metrics
	tracer  trace.Tracer

	offsets *offsetTracker
	slots   *semaphore.Weighted
	kick    chan struct{}
	// starved is set while the puller waits for a window slot.
	starved atomic.Bool
	running atomic.Bool
	flushMu sync.Mutex
}

// New builds a pipeline. Batch subscriptions need h to implement
// BatchHandler; dead-letter subscriptions need a non-nil inbox.
func New(cfg *subscription.Config, src source.Source, h Handler, ib inbox.Inbox, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("subscription config is required")
	}
	if src == nil {
		return nil, errors.New("source is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	p := &Pipeline{
		cfg:          cfg,
		src:          src,
		handler:      h,
		inbox:        ib,
		keyer:        cfg.StreamKey(),
		lanes:        DefaultLanes,
		window:       max(cfg.BufferSize(), 1),
		storageRetry: DefaultStorageRetry(),
		now:          time.Now,
		logger:       slog.Default(),
		offsets:      newOffsetTracker(),
		kick:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("topic", cfg.Topic(), "mode", cfg.Mode().String())
	p.elog = observability.NewEventLogger(p.logger)

	if cfg.BatchProcessingRequired() {
		bh, ok := h.(BatchHandler)
		if !ok {
			return nil, fmt.Errorf("batch subscription for %s requires a batch handler", cfg.Topic())
		}
		p.batch = bh
	} else {
		p.slots = semaphore.NewWeighted(int64(p.window))
	}
	if cfg.DeadLetterEnabled() && ib == nil {
		return nil, fmt.Errorf("dead-letter subscription for %s requires a poison inbox", cfg.Topic())
	}
	if err := p.storageRetry.Validate(); err != nil {
		return nil, fmt.Errorf("storage retry: %w", err)
	}
	if rl := cfg.RateLimit(); rl.Enabled() {
		p.limiter = rate.NewLimiter(rate.Limit(rl.EventsPerSecond), rl.Burst)
	}
	if r, ok := src.(source.Rebalancer); ok {
		r.OnRevoke(p.revoke)
	}
	return p, nil
}

// Run consumes until ctx is cancelled, returning ctx.Err(), or until a
// fatal condition, returning an error wrapping ErrFatal.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	p.logger.Info("starting pipeline",
		"buffer_size", p.cfg.BufferSize(),
		"dead_letter", p.cfg.DeadLetterEnabled(),
		"skip_unknown", p.cfg.SkipUnknownMessages(),
		"stream_key", p.cfg.StreamKeyExpr(),
	)

	if d := p.cfg.ObservingDelay(); d > 0 {
		p.logger.Info("delaying first poll", "delay", d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	var err error
	if p.batch != nil {
		err = p.runBatches(ctx)
	} else {
		err = p.runStreams(ctx)
	}

	if errors.Is(err, ErrFatal) {
		p.logger.Error("pipeline halted", "error", err)
		return err
	}
	if ctx.Err() != nil {
		p.logger.Info("pipeline stopped", "in_flight", p.offsets.unresolved())
		return ctx.Err()
	}
	return err
}

type job struct {
	evt    source.Event
	ticket *ticket
}

// runStreams runs the puller, the stream lanes and the committer.
func (p *Pipeline) runStreams(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan job, p.lanes)
	for i := range lanes {
		lanes[i] = make(chan job, p.window)
		ch := lanes[i]
		g.Go(func() error { return p.runLane(gctx, ch) })
	}
	g.Go(func() error { return p.runCommitter(gctx) })
	g.Go(func() error {
		defer func() {
			for _, ch := range lanes {
				close(ch)
			}
		}()
		return p.pull(gctx, lanes)
	})

	return g.Wait()
}

func (p *Pipeline) pull(ctx context.Context, lanes []chan job) error {
	for {
		events, err := p.src.Poll(ctx)
		if err != nil {
			return p.pollErr(ctx, err)
		}

		for _, evt := range events {
			if err := p.acquire(ctx); err != nil {
				return err
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			evt = p.assignStream(ctx, evt)
			j := job{evt: evt, ticket: p.offsets.track(evt)}
			p.inFlight(1)

			lane := lanes[xxhash.Sum64String(evt.Stream)%uint64(len(lanes))]
			select {
			case lane <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// acquire takes a window slot. While none is free the committer flushes
// whatever has settled instead of waiting for its threshold.
func (p *Pipeline) acquire(ctx context.Context) error {
	if p.slots.TryAcquire(1) {
		return nil
	}
	p.starved.Store(true)
	defer p.starved.Store(false)
	p.notify()
	return p.slots.Acquire(ctx, 1)
}

// assignStream sets evt.Stream. A key expression that fails for one event
// falls back to the default key so the event still has a stream.
func (p *Pipeline) assignStream(ctx context.Context, evt source.Event) source.Event {
	key, err := p.keyer.Key(ctx, evt)
	if err != nil || key == "" {
		p.logger.Warn("stream key evaluation failed, using record key",
			"partition", evt.Partition, "offset", evt.Offset, "error", err)
		key = source.DefaultStreamKey(evt.Topic, evt.Partition, string(evt.Key))
	}
	evt.Stream = key
	return evt
}

func (p *Pipeline) runLane(ctx context.Context, jobs <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-jobs:
			if !ok {
				return nil
			}
			outcome, err := p.processEvent(ctx, j.evt)
			if err != nil {
				return err
			}
			p.resolve(j.ticket, outcome)
		}
	}
}

// resolve records the outcome and lets the committer know when an event
// settled.
func (p *Pipeline) resolve(tk *ticket, outcome string) {
	p.inFlight(-1)
	p.countOutcome(outcome, 1)
	if p.offsets.resolve(tk) {
		p.notify()
	}
}

func (p *Pipeline) notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// revoke runs when partitions leave this consumer. Unless they are already
// lost it commits what has settled, then forgets them: their events still
// in flight finish but no longer hold back or move a commit position.
func (p *Pipeline) revoke(ctx context.Context, partitions []source.Partition, lost bool) {
	if !lost && p.running.Load() {
		p.flush(ctx)
	}
	keys := make([]partitionKey, len(partitions))
	for i, tp := range partitions {
		keys[i] = partitionKey{topic: tp.Topic, partition: tp.Partition}
	}
	inFlight := p.offsets.drop(keys)
	p.logger.Info("partitions released", "partitions", partitions, "lost", lost, "in_flight", inFlight)
	p.notify()
}

func (p *Pipeline) inFlight(delta float64) {
	if p.metrics != nil {
		p.metrics.InFlight.WithLabelValues(p.cfg.Topic()).Add(delta)
	}
}

func (p *Pipeline) countOutcome(outcome string, n int) {
	if p.metrics != nil && n > 0 {
		p.metrics.EventsTotal.WithLabelValues(p.cfg.Topic(), outcome).Add(float64(n))
	}
}
