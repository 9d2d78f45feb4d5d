package host

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/config"
	"github.com/lsm/eventsub/internal/handler"
	handlerhttp "github.com/lsm/eventsub/internal/handler/http"
	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/inbox/memory"
	"github.com/lsm/eventsub/internal/inbox/mongo"
	pebblestore "github.com/lsm/eventsub/internal/inbox/pebble"
	"github.com/lsm/eventsub/internal/inbox/postgres"
	"github.com/lsm/eventsub/internal/inbox/redis"
	"github.com/lsm/eventsub/internal/pipeline"
	"github.com/lsm/eventsub/internal/subscription"
)

// OpenStore connects the configured inbox backend.
func OpenStore(ctx context.Context, cfg config.InboxConfig) (inbox.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendPostgres:
		s, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.EnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, err
			}
		}
		return s, nil
	case config.BackendMongo:
		s, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Mongo.EnsureIndexes {
			if err := s.EnsureIndexes(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, err
			}
		}
		return s, nil
	case config.BackendRedis:
		return redis.Connect(ctx, cfg.Redis)
	case config.BackendPebble:
		return pebblestore.Open(cfg.Pebble)
	default:
		return nil, fmt.Errorf("unsupported inbox backend: %s", cfg.Backend)
	}
}

// BuildDeserializer returns the decoder for a subscription with every
// configured message type registered as raw JSON.
func BuildDeserializer(cfg config.CodecConfig) (codec.Deserializer, error) {
	var types *codec.Types
	var deser codec.Deserializer

	switch cfg.Format {
	case config.FormatCloudEvents:
		ce := codec.NewCloudEvents()
		types, deser = &ce.Types, ce
	case config.FormatJSON, "":
		var resolver codec.TypeResolver
		switch {
		case cfg.TypeHeader != "":
			resolver = codec.HeaderType(cfg.TypeHeader)
		case cfg.TypeField != "":
			resolver = codec.FieldType(cfg.TypeField)
		case cfg.SchemaRegistry != "":
			reg, err := codec.NewConfluentRegistry(cfg.SchemaRegistry)
			if err != nil {
				return nil, fmt.Errorf("schema registry: %w", err)
			}
			resolver = codec.SchemaRegistryType{Registry: reg}
		}
		j, err := codec.NewJSON(resolver)
		if err != nil {
			return nil, err
		}
		types, deser = &j.Types, j
	default:
		return nil, fmt.Errorf("unsupported codec format: %s", cfg.Format)
	}

	for _, name := range cfg.Types {
		types.Register(name, nil)
	}
	return deser, nil
}

// BuildSubscription translates a subscription section into a validated
// subscription.
func BuildSubscription(sc config.SubscriptionConfig) (*subscription.Config, error) {
	deser, err := BuildDeserializer(sc.Codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sc.Topic, err)
	}

	var mode subscription.Mode
	switch sc.Mode {
	case config.ModeSingle, "":
		mode = subscription.SingleEvent{BufferSize: sc.BufferSize}
	case config.ModeDeferred:
		mode = subscription.DeferredAck{
			BufferSize: sc.BufferSize,
			Timeout:    sc.DeferredAck.Timeout,
			MaxPending: sc.DeferredAck.MaxPending,
		}
	case config.ModeBatch:
		mode = subscription.Batch{MaxSize: sc.Batch.MaxSize, MaxWait: sc.Batch.MaxWait}
	default:
		return nil, fmt.Errorf("%s: unsupported mode %q", sc.Topic, sc.Mode)
	}

	hc := subscription.DefaultHandlerConfig()
	if sc.Retry != nil {
		hc.Retry = *sc.Retry
	}
	hc.Timeout = sc.HandlerTimeout

	opts := []subscription.Option{
		subscription.WithSkipUnknownMessages(sc.SkipUnknown()),
		subscription.WithDeadLetter(sc.DeadLetter),
		subscription.WithHandlerConfig(hc),
	}
	if sc.StreamKey != "" {
		opts = append(opts, subscription.WithStreamKey(sc.StreamKey))
	}
	if sc.ObservingDelay > 0 {
		opts = append(opts, subscription.WithObservingDelay(sc.ObservingDelay))
	}
	if sc.RateLimit.EventsPerSecond > 0 {
		opts = append(opts, subscription.WithRateLimit(sc.RateLimit.EventsPerSecond, sc.RateLimit.Burst))
	}
	return subscription.New(sc.Topic, deser, mode, opts...)
}

// Closer releases a handler's resources.
type Closer interface {
	Close() error
}

// BuildHandler returns the handler for a subscription and the resources to
// release at shutdown. Routed types get their own forwarder; every other
// type goes to the default handler.
func BuildHandler(cfg config.HandlerConfig, logger *slog.Logger, tracer trace.Tracer) (pipeline.Handler, []Closer, error) {
	var (
		fallback pipeline.Handler
		closers  []Closer
	)

	forwarder := func(c handlerhttp.Config) (*handlerhttp.Forwarder, error) {
		f, err := handlerhttp.NewForwarder(c)
		if err != nil {
			return nil, err
		}
		f.SetLogger(logger)
		if tracer != nil {
			f.SetTracer(tracer)
		}
		closers = append(closers, f)
		return f, nil
	}

	switch cfg.Type {
	case config.HandlerLog, "":
		fallback = handler.NewLogger(logger, slog.LevelInfo)
	case config.HandlerHTTP:
		f, err := forwarder(cfg.HTTP)
		if err != nil {
			return nil, nil, fmt.Errorf("http handler: %w", err)
		}
		fallback = f
	default:
		return nil, nil, fmt.Errorf("unsupported handler type: %s", cfg.Type)
	}

	if len(cfg.Routes) == 0 {
		return fallback, closers, nil
	}

	router := handler.NewRouter(fallback)
	for msgType, rc := range cfg.Routes {
		f, err := forwarder(rc)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("route %s: %w", msgType, err)
		}
		router.Route(msgType, f)
	}
	return router, closers, nil
}

func closeAll(closers []Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
