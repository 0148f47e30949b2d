package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/usecase"
)

// AdminHandler handles HTTP requests for queue administration.
type AdminHandler struct {
	uc     *usecase.QueueAdminUseCase
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc *usecase.QueueAdminUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger}
}

// GetQueueStats handles requests for per-status queue counts.
// GET /admin/queue/stats
func (h *AdminHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.uc.Stats(r.Context())
	if err != nil {
		h.storageError(w, "failed to get queue stats", err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

// ListDead handles requests to list dead-lettered entries.
// GET /admin/queue/dead?limit=100
func (h *AdminHandler) ListDead(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, h.logger, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.uc.ListDead(r.Context(), limit)
	if err != nil {
		h.storageError(w, "failed to list dead entries", err)
		return
	}
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, entries)
}

// Requeue handles requests to return a dead entry to the queue.
// POST /admin/queue/dead/{queueId}/requeue
func (h *AdminHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	queueID, err := strconv.ParseInt(r.PathValue("queueId"), 10, 64)
	if err != nil || queueID <= 0 {
		respondWithError(w, h.logger, http.StatusBadRequest, "queueId must be a positive integer")
		return
	}

	if err := h.uc.Requeue(r.Context(), queueID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondWithError(w, h.logger, http.StatusNotFound, "no dead entry with that queueId")
			return
		}
		h.storageError(w, "failed to requeue entry", err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]any{"queue_id": queueID, "status": domain.QueuePending})
}

func (h *AdminHandler) storageError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	if domain.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
		respondWithError(w, h.logger, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	respondWithError(w, h.logger, http.StatusInternalServerError, "internal error")
}
