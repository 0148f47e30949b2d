package pii

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/V4T54L/session-projector/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor replaces sensitive payload fields before an event is stored.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to redact.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact rewrites the event payload in place, replacing the value of every
// configured key, at any depth, with RedactedPlaceholder. It reports whether
// anything was replaced.
func (r *Redactor) Redact(event *domain.RawEvent) (bool, error) {
	if len(r.fieldsToRedact) == 0 || len(event.Payload) == 0 {
		return false, nil
	}

	// UseNumber keeps integer counters exact through the round trip.
	dec := json.NewDecoder(bytes.NewReader(event.Payload))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		r.logger.Warn("failed to decode payload for PII redaction", "error", err, "event_id", event.EventID)
		return false, err
	}

	if !r.redact(payload) {
		return false, nil
	}

	modified, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to encode payload after PII redaction", "error", err, "event_id", event.EventID)
		return false, err
	}
	event.Payload = modified
	return true, nil
}

func (r *Redactor) redact(v any) bool {
	redacted := false
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			if _, ok := r.fieldsToRedact[key]; ok {
				node[key] = RedactedPlaceholder
				redacted = true
				continue
			}
			if r.redact(child) {
				redacted = true
			}
		}
	case []any:
		for _, child := range node {
			if r.redact(child) {
				redacted = true
			}
		}
	}
	return redacted
}
