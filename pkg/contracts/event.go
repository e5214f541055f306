package contracts

import "time"

// WebhookRecord is a validated inbound webhook as handed to the ingestor.
// The HTTP frame owns shape validation; by the time a record reaches the
// core every field is present and well-typed.
type WebhookRecord struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Event is the immutable persisted form of a received webhook.
// EventID is globally unique and serves as the idempotency key;
// Payload and PayloadHash are never mutated after insert.
type Event struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}
