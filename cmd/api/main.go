package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catalog-backend/config"
	"catalog-backend/internal/cache"
	"catalog-backend/internal/consistency"
	"catalog-backend/internal/httpapi"
	"catalog-backend/internal/kv"
	"catalog-backend/internal/lock"
	"catalog-backend/internal/obs"
	"catalog-backend/internal/product"
	"catalog-backend/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	opts := []config.Option{config.WithLogger(logger)}
	if configPath != "" {
		opts = append(opts, config.WithFile(configPath))
	}
	cfg, err := config.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One store connection for the whole process, injected into every
	// dependent component.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	store, err := kv.NewClient(rdb, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	locker := lock.NewLocker(store, logger)
	aside, err := cache.NewAside(store, locker, cache.Config{
		LockTTL:          cfg.Cache.LockTTL,
		WaitTimeout:      cfg.Cache.WaitTimeout,
		PollInterval:     cfg.Cache.PollInterval,
		EnableLocalTier:  cfg.Cache.EnableLocalTier,
		LocalTierMaxCost: cfg.Cache.LocalTierMaxCost,
		EnableMissFilter: cfg.Cache.EnableMissFilter,
	}, logger)
	if err != nil {
		return err
	}
	defer aside.Close()

	monitor, err := consistency.NewMonitor(store, consistency.Config{
		SweepInterval:  cfg.Consistency.SweepInterval,
		StaleThreshold: cfg.Consistency.StaleThreshold,
		StalePenalty:   cfg.Consistency.StalePenalty,
		ErrorPenalty:   cfg.Consistency.ErrorPenalty,
		RefreshTimeout: cfg.Consistency.RefreshTimeout,
	}, metrics, logger)
	if err != nil {
		return err
	}
	monitor.Start()
	defer monitor.Stop()

	limiter := ratelimit.NewLimiter(store, metrics, logger)

	repo := product.NewMemoryRepository()
	service := product.NewService(repo, aside, monitor, cfg.Cache.EntryTTL, logger)

	router := httpapi.NewRouter(service, limiter, httpapi.RateLimitPolicy{
		Limit:    cfg.RateLimit.Limit,
		Window:   cfg.RateLimit.Window,
		FailOpen: cfg.RateLimit.FailOpen,
	}, registry, logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
