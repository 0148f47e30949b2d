package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/V4T54L/session-projector/internal/adapter/metrics"
)

// APIKeyRepository implements the domain.APIKeyRepository interface using PostgreSQL
// as the source of truth and an in-memory, time-based cache.
type APIKeyRepository struct {
	db      *sql.DB
	logger  *slog.Logger
	cache   *keyCache
	metrics *metrics.IngestMetrics
}

// NewAPIKeyRepository creates a new instance of the PostgreSQL API key repository.
func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.IngestMetrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:      db,
		logger:  logger.With("component", "apikey_repository"),
		cache:   newKeyCache(cacheTTL, maxCachedKeys),
		metrics: m,
	}
}

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LookupOrg resolves an API key to the organization it is bound to. Unknown,
// inactive, and expired keys report ok=false. Results are cached for cacheTTL.
func (r *APIKeyRepository) LookupOrg(ctx context.Context, key string) (string, bool, error) {
	hash := HashKey(key)

	if entry, ok := r.cache.get(hash); ok {
		if r.metrics != nil {
			r.metrics.APIKeyCacheHits.Inc()
		}
		return entry.orgID, entry.found, nil
	}

	if r.metrics != nil {
		r.metrics.APIKeyCacheMisses.Inc()
	}

	// Concurrent misses for one key may both query; the cache keeps the last.
	var orgID string
	query := `SELECT org_id FROM api_keys WHERE key_hash = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > NOW())`
	err := r.db.QueryRowContext(ctx, query, hash).Scan(&orgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.cache.put(hash, "", false)
		return "", false, nil
	case err != nil:
		r.logger.Error("failed to look up API key", "error", err)
		// Errors are not cached so the next request goes back to the database.
		return "", false, classify("look up api key", err)
	}
	r.cache.put(hash, orgID, true)
	return orgID, true, nil
}

// CreateKey stores a new active key bound to orgID.
func (r *APIKeyRepository) CreateKey(ctx context.Context, key, orgID string, expiresAt *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, org_id, expires_at) VALUES ($1, $2, $3)`,
		HashKey(key), orgID, expiresAt,
	)
	if err != nil {
		return classify("create api key", err)
	}
	return nil
}
