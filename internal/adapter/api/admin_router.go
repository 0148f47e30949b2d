package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/session-projector/internal/adapter/api/handler"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/usecase"
)

// NewAdminRouter creates and configures the HTTP router for operator endpoints:
// health, Prometheus metrics, and dead-letter handling.
func NewAdminRouter(adminUseCase *usecase.QueueAdminUseCase, health domain.HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	adminHandler := handler.NewAdminHandler(adminUseCase, logger)

	mux.Handle("GET /health", handler.NewHealthHandler(health, logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Queue
	mux.HandleFunc("GET /admin/queue/stats", adminHandler.GetQueueStats)
	mux.HandleFunc("GET /admin/queue/dead", adminHandler.ListDead)
	mux.HandleFunc("POST /admin/queue/dead/{queueId}/requeue", adminHandler.Requeue)

	return mux
}
