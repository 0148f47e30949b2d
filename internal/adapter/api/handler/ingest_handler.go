package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/V4T54L/session-projector/internal/adapter/api/middleware"
	"github.com/V4T54L/session-projector/internal/adapter/metrics"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/usecase"
)

// maxBatchLines bounds the number of events in one NDJSON request.
const maxBatchLines = 1000

// EventIngester stores one event.
type EventIngester interface {
	Ingest(ctx context.Context, event *domain.RawEvent) (usecase.IngestResult, error)
}

// IngestHandler handles HTTP requests for event ingestion.
type IngestHandler struct {
	ingester     EventIngester
	logger       *slog.Logger
	maxEventSize int64
	metrics      *metrics.IngestMetrics
}

// NewIngestHandler creates a new IngestHandler. m may be nil.
func NewIngestHandler(ingester EventIngester, logger *slog.Logger, maxEventSize int64, m *metrics.IngestMetrics) *IngestHandler {
	return &IngestHandler{
		ingester:     ingester,
		logger:       logger.With("component", "ingest_handler"),
		maxEventSize: maxEventSize,
		metrics:      m,
	}
}

// errOrgMismatch is returned when an event names an org other than the
// caller's API key.
var errOrgMismatch = errors.New("event orgId does not match API key")

// HandleEvent stores a single JSON event.
// POST /events
func (h *IngestHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if !h.acceptsContentType(w, r, "application/json") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)
	body, err := io.ReadAll(r.Body)
	h.countBytes(len(body))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.count("too_large")
			respondWithError(w, h.logger, http.StatusRequestEntityTooLarge, "event exceeds maximum size")
			return
		}
		h.count("error")
		respondWithError(w, h.logger, http.StatusBadRequest, "failed to read request body")
		return
	}

	res, err := h.ingest(r.Context(), body)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, res)
}

// LineResult is the outcome of one NDJSON line.
type LineResult struct {
	Line    int    `json:"line"`
	EventID string `json:"eventId,omitempty"`
	Status  string `json:"status"` // accepted, duplicate, rejected, unavailable, error
	Error   string `json:"error,omitempty"`
}

// BatchResponse summarises an NDJSON batch.
type BatchResponse struct {
	Accepted  int          `json:"accepted"`
	Duplicate int          `json:"duplicate"`
	Rejected  int          `json:"rejected"`
	Results   []LineResult `json:"results"`
	// Error is set when the batch stopped before its last line.
	Error     string       `json:"error,omitempty"`
}

// HandleBatch stores newline-delimited JSON events. Each line is its own
// atomic unit; a bad line does not affect the others. Storage unavailability
// stops the batch, and lines after it are not attempted. So does a batch
// longer than maxBatchLines: the first maxBatchLines lines are stored and
// reported with a 413.
// POST /events/batch
func (h *IngestHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if !h.acceptsContentType(w, r, "application/x-ndjson") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize*maxBatchLines)
	scanner := bufio.NewScanner(r.Body)
	// The scanner's token limit is the larger of max and cap(buf).
	scanner.Buffer(make([]byte, 0, min(64*1024, int(h.maxEventSize))), int(h.maxEventSize))

	var (
		resp        BatchResponse
		lineNo      int
		unavailable bool
		truncated   bool
	)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		h.countBytes(len(scanner.Bytes()) + 1)
		if len(line) == 0 {
			continue
		}
		if len(resp.Results) == maxBatchLines {
			h.count("too_large")
			truncated = true
			resp.Error = fmt.Sprintf("batch exceeds %d events; lines from %d on were not attempted", maxBatchLines, lineNo)
			break
		}

		result := LineResult{Line: lineNo}
		res, err := h.ingest(r.Context(), line)
		switch {
		case err == nil && res.Duplicate:
			result.EventID, result.Status = res.EventID, "duplicate"
			resp.Duplicate++
		case err == nil:
			result.EventID, result.Status = res.EventID, "accepted"
			resp.Accepted++
		case domain.IsTransient(err):
			result.Status, result.Error = "unavailable", "storage unavailable"
			unavailable = true
		case isClientError(err):
			result.Status, result.Error = "rejected", err.Error()
			resp.Rejected++
		default:
			h.logger.Error("failed to ingest batch line", "error", err, "line", lineNo)
			result.Status, result.Error = "error", "internal error"
		}
		resp.Results = append(resp.Results, result)
		if unavailable {
			break
		}
	}

	if err := scanner.Err(); err != nil && !unavailable {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) || errors.Is(err, bufio.ErrTooLong) {
			h.count("too_large")
			respondWithError(w, h.logger, http.StatusRequestEntityTooLarge, "batch line or body exceeds maximum size")
			return
		}
		respondWithError(w, h.logger, http.StatusBadRequest, "failed to read request body")
		return
	}

	status := http.StatusAccepted
	switch {
	case truncated:
		status = http.StatusRequestEntityTooLarge
	case unavailable:
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case resp.Accepted+resp.Duplicate == 0:
		status = http.StatusBadRequest
	}
	respondWithJSON(w, h.logger, status, resp)
}

// ingest decodes one event and hands it to the use case, counting the outcome.
func (h *IngestHandler) ingest(ctx context.Context, body []byte) (usecase.IngestResult, error) {
	var event domain.RawEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.count("invalid")
		return usecase.IngestResult{}, &domain.ValidationError{Field: "body", Reason: "is not a valid event JSON object"}
	}

	if org, ok := middleware.OrgFromContext(ctx); ok && event.OrgID != org {
		h.count("forbidden")
		return usecase.IngestResult{}, errOrgMismatch
	}

	res, err := h.ingester.Ingest(ctx, &event)
	switch {
	case err == nil && res.Duplicate:
		h.count("duplicate")
	case err == nil:
		h.count("accepted")
	case domain.IsValidation(err):
		h.count("invalid")
	case domain.IsTransient(err):
		h.count("unavailable")
	default:
		h.count("error")
	}
	return res, err
}

func (h *IngestHandler) writeIngestError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondWithJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: vErr.Error(), Field: vErr.Field})
	case errors.Is(err, errOrgMismatch):
		respondWithError(w, h.logger, http.StatusForbidden, err.Error())
	case domain.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		respondWithError(w, h.logger, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		h.logger.Error("failed to ingest event", "error", err)
		respondWithError(w, h.logger, http.StatusInternalServerError, "internal error")
	}
}

func (h *IngestHandler) acceptsContentType(w http.ResponseWriter, r *http.Request, want string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != want {
		h.count("unsupported_media_type")
		http.Error(w, "Unsupported Media Type: "+contentType, http.StatusUnsupportedMediaType)
		return false
	}
	return true
}

func isClientError(err error) bool {
	return domain.IsValidation(err) || errors.Is(err, errOrgMismatch)
}

func (h *IngestHandler) count(status string) {
	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(status).Inc()
	}
}

func (h *IngestHandler) countBytes(n int) {
	if h.metrics != nil {
		h.metrics.BytesTotal.Add(float64(n))
	}
}
