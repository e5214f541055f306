package contracts

import "time"

// Status is the processing lifecycle state of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingState is the mutable per-event record driving the retry
// state machine. Exactly one row exists per EventID. AttemptCount is
// strictly monotonic for the lifetime of the event; NotBefore gates
// when a pending row becomes eligible for re-claim after a transient
// failure, so backoff survives worker crashes.
type ProcessingState struct {
	EventID       string     `json:"event_id"`
	Status        Status     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
