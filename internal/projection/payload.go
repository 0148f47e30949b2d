package projection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/V4T54L/session-projector/internal/domain"
)

type runStartedPayload struct {
	Model string `json:"model"`
}

type runOutcomePayload struct {
	Cost       int64  `json:"cost"`
	Tokens     int64  `json:"tokens"`
	DurationMs *int64 `json:"durationMs"`
	Error      string `json:"error"`
}

func (p runOutcomePayload) validate() error {
	if p.Cost < 0 {
		return errors.New("cost must not be negative")
	}
	if p.Tokens < 0 {
		return errors.New("tokens must not be negative")
	}
	if p.DurationMs != nil && *p.DurationMs < 0 {
		return errors.New("durationMs must not be negative")
	}
	return nil
}

type handoffPayload struct {
	FromAgent string `json:"fromAgent"`
	ToAgent   string `json:"toAgent"`
	Reason    string `json:"reason"`
}

type sessionPayload struct {
	Agent  string `json:"agent"`
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

type messagePayload struct {
	Role string `json:"role"`
}

// decodePayload unmarshals an event payload. An absent payload leaves v zeroed.
func decodePayload(ev domain.RawEvent, v any) error {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}
