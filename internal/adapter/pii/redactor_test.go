package pii

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/session-projector/internal/domain"
)

func TestRedactor(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	redactor := NewRedactor([]string{"email", "ssn"}, logger)

	tests := []struct {
		name            string
		inputPayload    string
		expectedPayload string
		expectRedacted  bool
		expectErr       bool
	}{
		{
			name:            "Redact single field",
			inputPayload:    `{"email": "test@example.com", "tokens": 123}`,
			expectedPayload: `{"email":"[REDACTED]","tokens":123}`,
			expectRedacted:  true,
		},
		{
			name:            "Redact multiple fields",
			inputPayload:    `{"email": "test@example.com", "ssn": "000-00-0000"}`,
			expectedPayload: `{"email":"[REDACTED]","ssn":"[REDACTED]"}`,
			expectRedacted:  true,
		},
		{
			name:            "Redact nested fields",
			inputPayload:    `{"user": {"email": "a@b.c"}, "recipients": [{"ssn": "1"}]}`,
			expectedPayload: `{"user":{"email":"[REDACTED]"},"recipients":[{"ssn":"[REDACTED]"}]}`,
			expectRedacted:  true,
		},
		{
			name:            "No fields to redact",
			inputPayload:    `{"cost": 500, "tokens": 1000}`,
			expectedPayload: `{"cost": 500, "tokens": 1000}`,
		},
		{
			name:            "Large integers survive",
			inputPayload:    `{"email": "x", "tokens": 9007199254740993}`,
			expectedPayload: `{"email":"[REDACTED]","tokens":9007199254740993}`,
			expectRedacted:  true,
		},
		{
			name:            "Empty payload",
			inputPayload:    `{}`,
			expectedPayload: `{}`,
		},
		{
			name:         "Invalid JSON payload",
			inputPayload: `{"email": "test@example.com"`,
			expectErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &domain.RawEvent{
				EventID: "e1",
				Payload: json.RawMessage(tt.inputPayload),
			}

			redacted, err := redactor.Redact(event)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.expectRedacted, redacted)
			assert.JSONEq(t, tt.expectedPayload, string(event.Payload))
		})
	}
}

func TestRedactor_NoFieldsConfigured(t *testing.T) {
	redactor := NewRedactor(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	event := &domain.RawEvent{Payload: json.RawMessage(`{"email":"x"}`)}

	redacted, err := redactor.Redact(event)
	require.NoError(t, err)
	assert.False(t, redacted)
	assert.Equal(t, `{"email":"x"}`, string(event.Payload))
}
