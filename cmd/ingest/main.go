package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/session-projector/internal/adapter/api"
	"github.com/V4T54L/session-projector/internal/adapter/metrics"
	"github.com/V4T54L/session-projector/internal/adapter/pii"
	"github.com/V4T54L/session-projector/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/session-projector/internal/adapter/repository/redis"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/pkg/config"
	"github.com/V4T54L/session-projector/internal/pkg/logger"
	"github.com/V4T54L/session-projector/internal/pkg/tracing"
	"github.com/V4T54L/session-projector/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "session-projector-ingest", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	// --- Database ---
	if cfg.AutoMigrate {
		if err := migrateUp(cfg.PostgresURL, logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}
	db, err := postgres.Open(ctx, cfg.PostgresURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewIngestMetrics(reg)

	// --- Wake-up notifier ---
	var notifier domain.WakeupNotifier = redisrepo.Nop{}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis, workers will rely on polling", "error", err)
		}
		notifier = redisrepo.NewNotifier(redisClient, redisrepo.DefaultChannel, logger)
	}

	// --- Repositories and Use Cases ---
	health := postgres.NewHealthChecker(db)
	eventRepo := postgres.NewEventRepository(db, logger)
	queueRepo := postgres.NewQueueRepository(db, logger)
	apiKeyRepo := postgres.NewAPIKeyRepository(db, logger, cfg.APIKeyCacheTTL, m)

	piiRedactor := pii.NewRedactor(cfg.PIIRedactionFields, logger)
	ingestUseCase := usecase.NewIngestEventUseCase(eventRepo, piiRedactor, notifier, logger)
	adminUseCase := usecase.NewQueueAdminUseCase(queueRepo, logger)

	// --- Servers ---
	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(adminUseCase, health, reg, logger),
	}
	ingestServer := &http.Server{
		Addr:         cfg.IngestServerAddr,
		Handler:      api.NewRouter(cfg, logger, apiKeyRepo, ingestUseCase, health, m),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("starting ingest server", "addr", ingestServer.Addr, "api_key_auth", cfg.APIKeyAuth)
		if err := ingestServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ingest server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
}

func migrateUp(databaseURL string, logger *slog.Logger) error {
	mg, err := postgres.NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
