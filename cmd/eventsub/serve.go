package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/eventsub/internal/admin"
	"github.com/lsm/eventsub/internal/config"
	"github.com/lsm/eventsub/internal/host"
	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/observability"
	kafkasource "github.com/lsm/eventsub/internal/source/kafka"
	"github.com/lsm/eventsub/internal/tracing"
)

// serve runs every configured subscription until ctx is cancelled, the
// config file changes with exitOnConfigChange set, or a pipeline halts.
func serve(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	tracer, shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	store, err := host.OpenStore(ctx, cfg.Inbox)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	logger.Info("poison inbox ready", "backend", cfg.Inbox.Backend)

	var pub inbox.Publisher
	var mirror *kafkasource.Publisher
	if cfg.Inbox.MirrorTopic != "" {
		mirror, err = kafkasource.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			_ = store.Close(ctx)
			return fmt.Errorf("inbox mirror: %w", err)
		}
		pub = mirror
	}
	ib := host.GuardInbox(store, cfg.Inbox, pub, metrics, logger)

	health := observability.NewHealthServer()
	health.AddCheck("inbox", func(ctx context.Context) error {
		_, err := store.Streams(ctx)
		return err
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())
	servers := []*http.Server{{Addr: cfg.Metrics.Addr, Handler: mux}}

	if cfg.Admin.Addr != "" {
		router := admin.NewRouter(admin.NewHandlers(store, logger))
		servers = append(servers, &http.Server{Addr: cfg.Admin.Addr, Handler: router})
	}
	for _, srv := range servers {
		go func() {
			logger.Info("http server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "addr", srv.Addr, "error", err)
			}
		}()
	}

	if cfg.ExitOnChange {
		go func() {
			err := config.Watch(ctx, opts.configPath, logger, func() {
				logger.Info("config changed, shutting down for restart")
				cancel()
			})
			if err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	h := host.New(cfg, ib,
		host.WithLogger(logger),
		host.WithMetrics(metrics),
		host.WithTracer(tracer),
	)

	health.SetReady(true)
	runErr := h.Run(ctx)
	health.SetReady(false)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Error("inbox mirror close error", "error", err)
		}
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("inbox close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}
