// Package host runs every configured subscription in one process: one
// pipeline per subscription instance, all sharing the poison inbox.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/eventsub/internal/circuitbreaker"
	"github.com/lsm/eventsub/internal/config"
	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/kafka"
	"github.com/lsm/eventsub/internal/observability"
	"github.com/lsm/eventsub/internal/pipeline"
	"github.com/lsm/eventsub/internal/source"
	kafkasource "github.com/lsm/eventsub/internal/source/kafka"
	"github.com/lsm/eventsub/internal/subscription"
)

// SourceFactory creates the source of one consumer instance.
type SourceFactory func(settings kafka.ConsumerSettings, topic string, logger *slog.Logger) (source.Source, error)

// KafkaSource is the default SourceFactory.
func KafkaSource(settings kafka.ConsumerSettings, topic string, logger *slog.Logger) (source.Source, error) {
	return kafkasource.NewSource(settings, topic, logger)
}

// Host owns the pipelines of a process.
type Host struct {
	cfg       *config.Config
	inbox     inbox.Inbox
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	newSource SourceFactory
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics every pipeline records to.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithTracer sets the tracer for pipelines and handlers.
func WithTracer(t trace.Tracer) Option {
	return func(h *Host) { h.tracer = t }
}

// WithSourceFactory replaces the Kafka consumer factory.
func WithSourceFactory(f SourceFactory) Option {
	return func(h *Host) { h.newSource = f }
}

// New creates a host for cfg. ib is shared by every pipeline.
func New(cfg *config.Config, ib inbox.Inbox, opts ...Option) *Host {
	h := &Host{
		cfg:       cfg,
		inbox:     ib,
		logger:    slog.Default(),
		newSource: KafkaSource,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GuardInbox wraps store with a circuit breaker reporting its state to
// metrics and, when pub is set and a mirror topic is configured, mirrors
// quarantined events to that topic.
func GuardInbox(store inbox.Inbox, cfg config.InboxConfig, pub inbox.Publisher, metrics *observability.Metrics, logger *slog.Logger) inbox.Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics != nil {
		metrics.BreakerState.WithLabelValues(cfg.Backend).Set(float64(circuitbreaker.Closed))
	}
	breaker := circuitbreaker.New(cfg.Breaker, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("inbox circuit breaker state change", "backend", cfg.Backend, "from", from, "to", to)
		if metrics != nil {
			metrics.BreakerState.WithLabelValues(cfg.Backend).Set(float64(to))
		}
	}))

	var ib inbox.Inbox = inbox.NewGuarded(store, breaker)
	if pub != nil && cfg.MirrorTopic != "" {
		ib = inbox.NewMirror(ib, pub, cfg.MirrorTopic, logger)
	}
	return ib
}

type instance struct {
	topic    string
	index    int
	src      source.Source
	pipeline *pipeline.Pipeline
}

// Run starts every pipeline and blocks until ctx is done or one of them
// halts. A halted pipeline stops the others and its error is returned.
func (h *Host) Run(ctx context.Context) error {
	instances, closers, err := h.build()
	defer closeAll(closers)
	if err != nil {
		return err
	}
	defer func() {
		for _, in := range instances {
			if err := in.src.Close(); err != nil {
				h.logger.Warn("source close failed", "topic", in.topic, "instance", in.index, "error", err)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range instances {
		g.Go(func() error {
			err := in.pipeline.Run(gctx)
			if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
				return nil
			}
			return err
		})

		ks, ok := in.src.(*kafkasource.Source)
		if !ok || h.metrics == nil {
			continue
		}
		mon := kafkasource.NewLagMonitor(ks.Client(), ks.Group(), in.topic, h.metrics.ConsumerLag, h.cfg.Consumer.LagInterval, h.logger)
		g.Go(func() error { return mon.Run(gctx) })
	}

	h.logger.Info("host started", "pipelines", len(instances))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Host) build() ([]instance, []Closer, error) {
	var (
		instances []instance
		closers   []Closer
	)
	fail := func(err error) ([]instance, []Closer, error) {
		for _, in := range instances {
			_ = in.src.Close()
		}
		return nil, closers, err
	}

	// Every subscription joins the same group, so static member ids are
	// numbered across subscriptions, in config order.
	settings := h.cfg.ConsumerSettings()
	member := 0
	for _, sc := range h.cfg.Subscriptions {
		sub, err := BuildSubscription(sc)
		if err != nil {
			return fail(err)
		}
		logger := h.logger.With("topic", sc.Topic)
		hd, cs, err := BuildHandler(sc.Handler, logger, h.tracer)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", sc.Topic, err))
		}
		closers = append(closers, cs...)

		n := sc.Instances
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			in, err := h.instance(sub, settings.ForInstance(member), i, hd, logger)
			if err != nil {
				return fail(err)
			}
			instances = append(instances, in)
			member++
		}
	}
	return instances, closers, nil
}

func (h *Host) instance(sub *subscription.Config, settings kafka.ConsumerSettings, i int, hd pipeline.Handler, logger *slog.Logger) (instance, error) {
	logger = logger.With("instance", i, "group_instance_id", settings.GroupInstanceID)
	src, err := h.newSource(settings, sub.Topic(), logger)
	if err != nil {
		return instance{}, fmt.Errorf("%s instance %d: source: %w", sub.Topic(), i, err)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithStorageRetry(h.cfg.Inbox.StorageRetry),
	}
	if h.metrics != nil {
		opts = append(opts, pipeline.WithMetrics(h.metrics))
	}
	if h.tracer != nil {
		opts = append(opts, pipeline.WithTracer(h.tracer))
	}
	p, err := pipeline.New(sub, src, hd, h.inbox, opts...)
	if err != nil {
		_ = src.Close()
		return instance{}, fmt.Errorf("%s instance %d: %w", sub.Topic(), i, err)
	}
	return instance{topic: sub.Topic(), index: i, src: src, pipeline: p}, nil
}
