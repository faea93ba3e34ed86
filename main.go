package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/expiry"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/msgcache"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/pipeline"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/rooms"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/workers"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// automaxprocs sets GOMAXPROCS from container CPU limits at import.
	maxProcs := runtime.GOMAXPROCS(0)

	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := NewLogger(types.LogLevel(cfg.LogLevel), types.LogFormat(cfg.LogFormat))
	logger.Info().Int("gomaxprocs", maxProcs).Msg("Messaging core starting")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Messaging core exited with error")
	}
}

func run(cfg *Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

	overrides, err := cfg.MaxLenOverrides()
	if err != nil {
		return err
	}
	bus := streambus.New(rdb, logger, overrides)
	if err := bus.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("consumer group setup: %w", err)
	}

	// Standalone mode ships with the in-memory store; swapping in a real
	// document store is a matter of implementing store.MessageStore.
	msgs := store.NewMemStore()
	cache := msgcache.New(rdb, msgs, logger)

	consumer := cfg.ConsumerName
	if consumer == "" {
		if host, err := os.Hostname(); err == nil {
			consumer = host
		} else {
			consumer = "messaging-core"
		}
	}

	pipe := pipeline.New(bus, msgs, msgs, cache, pipeline.Config{
		MaxRetries:       cfg.MaxRetries,
		RetryBase:        cfg.RetryBase(),
		BreakerThreshold: uint32(cfg.BreakerFailureThreshold),
		BreakerReset:     cfg.BreakerReset(),
		WALTimeout:       cfg.WALTimeout(),
		Consumer:         consumer,
	}, logger)

	pres := presence.New(rdb, logger)
	roomReg := rooms.New(rdb, pres, logger)

	listener := expiry.New(rdb, cfg.RedisDB, logger)
	listener.Register(pres.KeyPrefix(), pres.HandleExpiredKey)
	listener.Register(roomReg.KeyPrefix(), roomReg.HandleExpiredKey)
	go func() {
		defer RecoverPanic(logger, "expiry_listener", nil)
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Expiration listener stopped")
		}
	}()

	pool := workers.NewPool(logger)
	pool.Add(
		workers.NewRetryWorker(pipe, logger),
		workers.NewFallbackWorker(pipe, logger),
		workers.NewWALRecoveryWorker(pipe, logger),
		workers.NewDLQMonitor(pipe.DLQ(), logger),
		workers.NewStreamMonitor(bus, logger),
		workers.NewMetricsReporter(pipe.Counters(), logger),
		workers.NewPresenceJanitor(pres, logger),
		workers.NewMemoryMonitor(rdb, cfg.MemoryLimitMB, logger),
	)
	pool.Start(ctx)

	started := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", healthHandler(pipe, pres, pool, started, logger))

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		defer RecoverPanic(logger, "http_listener", nil)
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics and health listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-httpErr:
		logger.Error().Err(err).Msg("HTTP listener failed")
		stop()
	}

	// Stop intake first (workers), then the HTTP surface, then Redis.
	pool.Stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	logger.Info().Msg("Messaging core stopped")
	return nil
}
