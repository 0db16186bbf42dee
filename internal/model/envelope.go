package model

import "encoding/json"

// Envelope is the body posted to webhook subscribers.
type Envelope struct {
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}
