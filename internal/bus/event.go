// Package bus publishes and consumes integration events over pluggable
// broker backends. Events are fire-and-forget from the publisher's side;
// delivery guarantees live in the backend.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntegrationEvent is the wire envelope for every published event. Field
// names are camel-cased on the wire.
type IntegrationEvent struct {
	EventID       string         `json:"eventId"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	Source        string         `json:"source"`
	EventType     string         `json:"eventType"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps a fresh envelope: unique event id, UTC timestamp.
func NewEvent(eventType, source, correlationID string, payload map[string]any) IntegrationEvent {
	return IntegrationEvent{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Source:        source,
		EventType:     eventType,
		Payload:       payload,
	}
}

// Encode serializes the envelope for transport.
func (e IntegrationEvent) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %s: %w", e.EventType, err)
	}
	return body, nil
}

// DecodeEvent is the default envelope decoder.
func DecodeEvent(body []byte) (IntegrationEvent, error) {
	var event IntegrationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return IntegrationEvent{}, fmt.Errorf("bus: decode event: %w", err)
	}
	return event, nil
}
