package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/adapter"
	"github.com/lvonguyen/feedforge/internal/api"
	"github.com/lvonguyen/feedforge/internal/config"
	"github.com/lvonguyen/feedforge/internal/enrichment"
	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/ingest"
	"github.com/lvonguyen/feedforge/internal/ingestion"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/scheduler"
	"github.com/lvonguyen/feedforge/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and feed scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(configFile)
}

func newTelemetry(cfg *config.Config) (*observability.Telemetry, error) {
	return observability.New(observability.Config{
		ServiceName:    "feedforge",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := newTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting FeedForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configFile))

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = newRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	httpClient := &http.Client{Timeout: cfg.Scheduler.RunTimeout}
	tracker := ingest.NewTracker(st, ingest.WithLogger(logger), ingest.WithMetrics(metrics))
	sched := scheduler.New(st, adapter.DefaultRegistry(httpClient), tracker, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics))

	imp := importer.New(st, tracker,
		importer.WithBeginTimeout(cfg.Import.BeginTimeout),
		importer.WithLogger(logger),
		importer.WithMetrics(metrics))

	var cache enrichment.Cache = enrichment.NopCache{}
	if rdb != nil {
		cache = enrichment.NewRedisCache(rdb, cfg.Enrichment.CacheTTL)
	}
	enricher := enrichment.New(st, cfg.Enrichment,
		enrichment.WithLogger(logger),
		enrichment.WithMetrics(metrics),
		enrichment.WithCache(cache))
	if err := enricher.SeedSources(ctx, cfg.Enrichment.Sources); err != nil {
		return fmt.Errorf("failed to seed enrichment sources: %w", err)
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		if rdb == nil {
			logger.Warn("Rate limiting requires redis, disabled")
		} else {
			limiter = api.NewRateLimiter(rdb, api.RateLimitConfig{
				RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
				IncludeHeaders:    cfg.RateLimit.IncludeHeaders,
			}, logger, metrics)
		}
	}

	var hec http.Handler
	if cfg.HEC.Enabled {
		hec = ingestion.NewHECReceiver(ingestion.ReceiverConfig{
			TokenEnv:     cfg.HEC.TokenEnv,
			MaxBatchSize: cfg.HEC.MaxBatchSize,
			MaxEventSize: cfg.HEC.MaxEventSize,
		}, imp, logger).Routes()
		logger.Info("HEC intake enabled", zap.String("path", "/services/collector"))
	}

	srv := api.New(api.Deps{
		Store:          st,
		Scheduler:      sched,
		Importer:       imp,
		Enrichment:     enricher,
		Health:         cfg.Health,
		Redis:          rdb,
		Limiter:        limiter,
		Metrics:        metrics,
		Logger:         logger,
		HEC:            hec,
		MetricsHandler: tel.MetricsHandler(),
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Import.MaxBodyBytes,
	})

	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	tel.StartSystemMetricsCollector(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("Scheduler shutdown error", zap.Error(err))
		}
	}

	logger.Info("Server stopped")
	return nil
}
