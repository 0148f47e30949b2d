package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/session-projector/internal/adapter/api/handler"
	"github.com/V4T54L/session-projector/internal/adapter/api/middleware"
	"github.com/V4T54L/session-projector/internal/adapter/metrics"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/pkg/config"
)

// NewRouter creates and configures the main HTTP router for the ingest service.
// apiKeyRepo is only consulted when cfg.APIKeyAuth is set.
func NewRouter(
	cfg *config.Config,
	logger *slog.Logger,
	apiKeyRepo domain.APIKeyRepository,
	ingester handler.EventIngester,
	health domain.HealthChecker,
	m *metrics.IngestMetrics,
) http.Handler {
	mux := http.NewServeMux()

	ingestHandler := handler.NewIngestHandler(ingester, logger, cfg.MaxEventSize, m)

	// Middleware, innermost last
	var chain []func(http.Handler) http.Handler
	if cfg.HostRateLimitRPS > 0 {
		hosts := middleware.NewRateLimiter(cfg.HostRateLimitRPS, cfg.HostRateLimitBurst)
		chain = append(chain, middleware.RateLimitByHost(hosts, logger))
	}
	if cfg.APIKeyAuth {
		chain = append(chain, middleware.Auth(apiKeyRepo, logger))
	}
	if cfg.IngestRateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.IngestRateLimitRPS, cfg.IngestRateLimitBurst)
		chain = append(chain, middleware.RateLimit(limiter, logger))
	}
	protect := func(h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		for i := len(chain) - 1; i >= 0; i-- {
			wrapped = chain[i](wrapped)
		}
		return wrapped
	}

	// Routes
	mux.Handle("POST /events", protect(ingestHandler.HandleEvent))
	mux.Handle("POST /events/batch", protect(ingestHandler.HandleBatch))
	mux.Handle("GET /health", handler.NewHealthHandler(health, logger))

	return middleware.Logging(logger)(mux)
}
