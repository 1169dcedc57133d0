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
	"github.com/redis/go-redis/v9"

	"genstudio/internal/api"
	"genstudio/internal/bridge"
	"genstudio/internal/catalog"
	"genstudio/internal/config"
	"genstudio/internal/logging"
	"genstudio/internal/outputs"
	"genstudio/internal/ratelimit"
	"genstudio/internal/store"
	"genstudio/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()

	opts := api.Options{Logger: logger}

	// Redis backs the catalog cache and the rate limiter; without it both
	// are disabled.
	var rdb redis.Cmdable
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable, continuing")
		}
		rdb = client
		opts.Limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	opts.Catalog = catalog.New(rdb, cfg.CatalogCacheTTL, logger)

	cache, err := outputs.New(ctx, outputs.Options{
		Dir:            cfg.OutputCacheDir,
		S3Bucket:       cfg.OutputS3Bucket,
		S3Region:       cfg.OutputS3Region,
		S3Endpoint:     cfg.OutputS3Endpoint,
		S3PathStyle:    cfg.OutputS3PathStyle,
		ThumbnailWidth: cfg.ThumbnailWidth,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init output cache")
	}
	opts.Outputs = cache

	processor := worker.NewProcessor(worker.Options{
		Workers:        cfg.CacheWorkers,
		MaxAttempts:    cfg.CacheMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger,
	})
	worker.NewOutputHandler(cache, nil, 0).Register(processor)
	opts.CacheQueue = processor
	go func() {
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("cache workers stopped")
		}
	}()

	opts.Relay = bridge.New(bridge.Options{
		DefaultEngineURL: cfg.EngineURL,
		KeepAlive:        cfg.KeepAliveInterval,
		Logger:           logger,
	})

	server := api.New(cfg, st, opts)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams stay open for the whole job, so writes are unbounded.
		WriteTimeout: 0,
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("engine", cfg.EngineURL).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("api stopped")
}
