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
	"github.com/V4T54L/session-projector/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/session-projector/internal/adapter/repository/redis"
	"github.com/V4T54L/session-projector/internal/pkg/config"
	"github.com/V4T54L/session-projector/internal/pkg/logger"
	"github.com/V4T54L/session-projector/internal/pkg/tracing"
	"github.com/V4T54L/session-projector/internal/projection"
	"github.com/V4T54L/session-projector/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting projection worker", "worker_id", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "session-projector-worker", cfg.OTelEndpoint)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}

	// Connect to PostgreSQL
	db, err := postgres.Open(ctx, cfg.PostgresURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("connected to postgres")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWorkerMetrics(reg)

	// Instantiate repositories and the worker
	queueRepo := postgres.NewQueueRepository(db, log)
	worker := usecase.NewProjectionWorker(
		queueRepo,
		postgres.NewProjectionRepository(db, log),
		projection.Fold,
		usecase.WorkerConfig{
			WorkerID:      cfg.WorkerID,
			BatchSize:     cfg.BatchSize,
			LeaseDuration: cfg.LeaseDuration,
			MaxAttempts:   cfg.MaxAttempts,
			PollInterval:  cfg.PollInterval(),
		},
		m,
		log,
	)

	// Redis only shortens the idle sleep; polling keeps the worker correct without it.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		wake, err := redisrepo.NewNotifier(redisClient, redisrepo.DefaultChannel, log).Subscribe(ctx)
		if err != nil {
			log.Warn("could not subscribe to wake-ups, polling only", "error", err)
		} else {
			worker.SetWakeups(wake)
		}
	}

	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(usecase.NewQueueAdminUseCase(queueRepo, log), postgres.NewHealthChecker(db), reg, log),
	}
	go func() {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin & metrics server failed", "error", err)
		}
	}()

	if err := worker.Run(ctx); err != nil {
		log.Error("projection worker failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown failed", "error", err)
	}

	log.Info("projection worker shut down gracefully")
}
