package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/V4T54L/session-projector/internal/domain"
)

const APIKeyHeader = "X-API-Key"

type orgContextKey struct{}

// WithOrg returns a context carrying the organization an API key is bound to.
func WithOrg(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgContextKey{}, orgID)
}

// OrgFromContext returns the authenticated organization, if any.
func OrgFromContext(ctx context.Context) (string, bool) {
	org, ok := ctx.Value(orgContextKey{}).(string)
	return org, ok && org != ""
}

// Auth is a middleware factory that returns a new authentication middleware.
// It resolves the X-API-Key header to an organization and stores it in the
// request context for handlers to check event ownership against.
func Auth(repo domain.APIKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				logger.Warn("API key missing from request", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: API key required", http.StatusUnauthorized)
				return
			}

			orgID, ok, err := repo.LookupOrg(r.Context(), apiKey)
			if err != nil {
				logger.Error("failed to validate API key", "error", err)
				if domain.IsTransient(err) {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !ok {
				logger.Warn("invalid API key provided", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOrg(r.Context(), orgID)))
		})
	}
}
