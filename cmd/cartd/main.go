package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/packfinderz-cartsync/api/routes"
	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/connectivity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/engine"
	"github.com/angelmondragon/packfinderz-cartsync/internal/identity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/notifications"
	"github.com/angelmondragon/packfinderz-cartsync/internal/persistence"
	"github.com/angelmondragon/packfinderz-cartsync/internal/queue"
	"github.com/angelmondragon/packfinderz-cartsync/internal/remote"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/instance"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

const (
	feedCapacity    = 200
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cartd"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cartd",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cartMetrics := metrics.NewCartMetrics(registry)

	store, err := openBackend(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to open storage backend", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logg.Error(context.Background(), "error closing storage backend", err)
		}
	}()

	session := identity.NewSession("")

	remoteCfg := remote.ConfigFrom(cfg.Remote)
	remoteCfg.Logger = logg
	remoteCfg.Interceptors = []remote.Interceptor{
		remote.WithRequestID(),
		remote.WithNoCache(),
		remote.WithBearer(session.BearerToken),
		remote.WithLogging(logg),
	}
	client, err := remote.New(remoteCfg)
	if err != nil {
		logg.Error(ctx, "failed to create remote cart client", err)
		os.Exit(1)
	}

	adapter, err := persistence.New(store.medium, client, logg)
	if err != nil {
		logg.Error(ctx, "failed to create persistence adapter", err)
		os.Exit(1)
	}

	pending, err := queue.New(ctx, queue.Options{
		Medium:   store.medium,
		Recorder: store.recorder,
		Logger:   logg,
		Metrics:  cartMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to load offline queue", err)
		os.Exit(1)
	}

	var probe connectivity.Probe = connectivity.NewManual(true)
	if cfg.Connectivity.HealthURL != "" {
		httpProbe, err := connectivity.NewHTTPProbe(cfg.Connectivity, logg)
		if err != nil {
			logg.Error(ctx, "failed to create connectivity probe", err)
			os.Exit(1)
		}
		go httpProbe.Run(ctx)
		probe = httpProbe
	}

	feed := notifications.NewFeed(feedCapacity)
	eng, err := engine.New(engine.Options{
		Store:       cart.NewStore(cart.PricingFromConfig(cfg.Pricing)),
		Persistence: adapter,
		Queue:       pending,
		Probe:       probe,
		Session:     session,
		Parser:      identity.NewParser(cfg.Identity),
		Latch:       store.latch,
		Recorder:    store.recorder,
		Notifier:    notifications.Multi{feed, notifications.NewLogNotifier(logg)},
		Logger:      logg,
		Metrics:     cartMetrics,

		RetryBackoff:    cfg.Queue.RetryBackoff,
		RetryMaxBackoff: cfg.Queue.RetryMaxBackoff,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cart engine", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		logg.Error(ctx, "failed to start cart engine", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	runCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"storage":  cfg.Storage.Driver,
	})
	logg.Info(runCtx, "starting cartd server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			Engine:        eng,
			Notifications: feed,
			Idempotency:   store.responses,
			Gatherer:      registry,
			Pingers:       store.pingers,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logg.Error(runCtx, "cartd server stopped unexpectedly", err)
		}
	case <-ctx.Done():
		logg.Info(runCtx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(runCtx, "error shutting down server", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logg.Error(runCtx, "error closing cart engine", err)
	}
	logg.Info(runCtx, "cartd stopped")
}
