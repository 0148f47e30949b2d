package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of agent-session occurrence carried by a RawEvent.
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventSessionEnded   EventType = "session-ended"
	EventRunStarted     EventType = "run-started"
	EventRunCompleted   EventType = "run-completed"
	EventRunFailed      EventType = "run-failed"
	EventSessionHandoff EventType = "session-handoff"
	EventMessageSent    EventType = "message-sent"
)

// AllEventTypes is the closed event taxonomy. Every member must have a projection fold.
var AllEventTypes = []EventType{
	EventSessionStarted,
	EventSessionEnded,
	EventRunStarted,
	EventRunCompleted,
	EventRunFailed,
	EventSessionHandoff,
	EventMessageSent,
}

// Valid reports whether t is a member of the taxonomy.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequiresRun reports whether events of this type must carry a run id.
func (t EventType) RequiresRun() bool {
	switch t {
	case EventRunStarted, EventRunCompleted, EventRunFailed:
		return true
	}
	return false
}

// RawEvent is the immutable record of one inbound occurrence.
type RawEvent struct {
	EventID    string          `json:"eventId"`
	SessionID  string          `json:"sessionId"`
	RunID      string          `json:"runId,omitempty"`
	OrgID      string          `json:"orgId"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// maxIdentifierLength bounds producer-assigned identifiers.
const maxIdentifierLength = 256

// Validate checks the fields required for intake. It does not inspect the
// type-specific payload structure; that is the projection's job.
func (e *RawEvent) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"eventId", e.EventID},
		{"sessionId", e.SessionID},
		{"orgId", e.OrgID},
		{"type", string(e.Type)},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
		if len(r.value) > maxIdentifierLength {
			return &ValidationError{Field: r.field, Reason: "exceeds 256 characters"}
		}
	}
	if len(e.RunID) > maxIdentifierLength {
		return &ValidationError{Field: "runId", Reason: "exceeds 256 characters"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unrecognized event type " + string(e.Type)}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurredAt", Reason: "is required"}
	}
	if len(e.Payload) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e.Payload, &obj); err != nil {
			return &ValidationError{Field: "payload", Reason: "must be a JSON object"}
		}
	}
	return nil
}
