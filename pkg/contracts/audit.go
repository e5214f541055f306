package contracts

import "time"

// AuditAction is the closed vocabulary of auditable decisions.
type AuditAction string

const (
	AuditEventReceived     AuditAction = "event_received"
	AuditEventInserted     AuditAction = "event_inserted"
	AuditEventDeduped      AuditAction = "event_deduped"
	AuditConflictDetected  AuditAction = "conflict_detected"
	AuditAttemptStarted    AuditAction = "processing_attempt_started"
	AuditSucceeded         AuditAction = "processing_succeeded"
	AuditAttemptFailed     AuditAction = "processing_attempt_failed"
	AuditRetryScheduled    AuditAction = "retry_scheduled"
	AuditAbandoned         AuditAction = "processing_abandoned"
	AuditFailedPermanently AuditAction = "processing_failed_permanently"
	AuditProcessingError   AuditAction = "processing_error"
)

// AuditResult marks how the audited decision resolved.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultPending AuditResult = "pending"
)

// AuditEntry is a single row of the append-only decision log.
// Entries are never updated or deleted.
type AuditEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	EventID   string      `json:"event_id"`
	Action    AuditAction `json:"action"`
	Details   string      `json:"details,omitempty"`
	Result    AuditResult `json:"success,omitempty"`
}
