package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/storage/models"
)

// Event is the single internal representation all provider payload shapes
// normalize into before any processing happens. Provider-format drift stays
// contained in this file.
type Event struct {
	ExternalConversationID string
	ClientName             string
	ClientEmail            string
	Status                 models.ConversationStatus
	Messages               []EventMessage
}

type EventMessage struct {
	ExternalID string
	Sender     models.Sender
	Text       string
	CreatedAt  time.Time
}

// Providers have shipped two envelope generations: a legacy event-typed one
// wrapping the payload in {"event": ..., "data": {...}}, and the current flat
// one. Both carry the same payload fields.
type legacyEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type flatPayload struct {
	ConversationID string        `json:"conversation_id"`
	ClientName     string        `json:"client_name"`
	ClientEmail    string        `json:"client_email"`
	Status         string        `json:"status"`
	Messages       []payloadItem `json:"messages"`
}

type payloadItem struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Content   string       `json:"text"`
	CreatedAt flexibleTime `json:"created_at"`
}

var acceptedEvents = map[string]bool{
	"message_created":      true,
	"conversation_created": true,
	"conversation_updated": true,
}

// Normalize parses a raw webhook body into an Event. Anything that fits
// neither envelope shape fails with *apperr.ValidationError.
func Normalize(body []byte) (*Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &apperr.ValidationError{Reason: "empty payload"}
	}

	var envelope legacyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &apperr.ValidationError{Reason: "payload is not valid JSON"}
	}

	payloadBody := body
	if envelope.Event != "" {
		if !acceptedEvents[envelope.Event] {
			return nil, &apperr.ValidationError{Reason: fmt.Sprintf("unsupported event type %q", envelope.Event)}
		}
		if len(envelope.Data) == 0 {
			return nil, &apperr.ValidationError{Reason: "event envelope has no data"}
		}
		payloadBody = envelope.Data
	}

	var payload flatPayload
	if err := json.Unmarshal(payloadBody, &payload); err != nil {
		return nil, &apperr.ValidationError{Reason: "payload does not match any known shape"}
	}

	if payload.ConversationID == "" {
		return nil, &apperr.ValidationError{Reason: "missing conversation_id"}
	}

	event := &Event{
		ExternalConversationID: payload.ConversationID,
		ClientName:             payload.ClientName,
		ClientEmail:            payload.ClientEmail,
		Status:                 normalizeStatus(payload.Status),
	}

	for i, item := range payload.Messages {
		if item.ID == "" {
			return nil, &apperr.ValidationError{Reason: fmt.Sprintf("message %d has no id", i)}
		}

		sender, ok := normalizeSender(item.Type)
		if !ok {
			return nil, &apperr.ValidationError{Reason: fmt.Sprintf("message %q has unknown sender type %q", item.ID, item.Type)}
		}

		createdAt := item.CreatedAt.Time
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		event.Messages = append(event.Messages, EventMessage{
			ExternalID: item.ID,
			Sender:     sender,
			Text:       item.Content,
			CreatedAt:  createdAt,
		})
	}

	return event, nil
}

func normalizeSender(tag string) (models.Sender, bool) {
	switch tag {
	case "client", "contact", "incoming":
		return models.SenderClient, true
	case "agent", "user", "operator", "outgoing":
		return models.SenderAgent, true
	default:
		return "", false
	}
}

func normalizeStatus(status string) models.ConversationStatus {
	switch status {
	case "resolved", "closed":
		return models.StatusResolved
	default:
		return models.StatusActive
	}
}

// flexibleTime accepts the provider timestamp as unix seconds, unix
// milliseconds, or an RFC 3339 string.
type flexibleTime struct {
	time.Time
}

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if s == "null" || s == `""` {
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			t.Time = time.UnixMilli(n)
		} else {
			t.Time = time.Unix(n, 0)
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("unparseable timestamp %s", s)
	}

	parsed, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return fmt.Errorf("unparseable timestamp %q", str)
	}
	t.Time = parsed
	return nil
}
