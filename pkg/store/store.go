// Package store implements transactional persistence for events,
// processing state and the append-only audit log. All mutual exclusion in
// the system is delegated to this layer: the unique index on event_id
// resolves concurrent inserts, and the row lock taken by LockForAttempt
// serializes state transitions per event.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/spinehq/spine/pkg/contracts"
)

var (
	// ErrNotFound is returned when an event or processing row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// InsertResult reports the outcome of InsertIfAbsent. When Inserted is
// false, Existing carries the event that won the unique-index race so the
// caller can compare payload hashes.
type InsertResult struct {
	Inserted bool
	Existing *contracts.Event
}

// AttemptTx is an open transaction holding the exclusive row lock on one
// processing_state row. The lock is released on Commit or Rollback.
// State returns the row as read under the lock.
type AttemptTx interface {
	State() *contracts.ProcessingState
	// MarkProcessing transitions the row to processing, increments
	// attempt_count and stamps last_attempt_at. Returns the new attempt
	// number (1-based).
	MarkProcessing(now time.Time) (int, error)
	// MarkAbandoned terminates a row whose attempt budget was already
	// exhausted before an attempt could start.
	MarkAbandoned(reason string, now time.Time) error
	Commit() error
	Rollback() error
}

// Store is the persistence contract shared by the Postgres and SQLite
// implementations. Every method is safe for concurrent use; each call runs
// in its own transaction unless documented otherwise.
type Store interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error

	// InsertIfAbsent atomically inserts an event together with its initial
	// processing state. On a unique violation for event_id the transaction
	// is rolled back and the existing event is returned instead.
	InsertIfAbsent(ctx context.Context, ev *contracts.Event, st *contracts.ProcessingState) (InsertResult, error)

	// ClaimPending returns up to limit event IDs whose state is pending and
	// whose not_before gate has passed. The read is advisory: no locks are
	// taken and another worker may win the subsequent LockForAttempt.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]string, error)

	// LockForAttempt opens a transaction and acquires an exclusive row lock
	// on the processing_state row, but only while its status is pending or
	// failed. It returns (nil, nil) when the row is locked elsewhere,
	// terminal, or mid-flight.
	LockForAttempt(ctx context.Context, eventID string) (AttemptTx, error)

	// MarkCompleted, MarkRetry and MarkFailed record the outcome of an
	// attempt after the delivery call, outside the attempt lock. Each is
	// gated on status=processing so a terminal row is never rewritten.
	MarkCompleted(ctx context.Context, eventID string, now time.Time) error
	MarkRetry(ctx context.Context, eventID, reason string, notBefore, now time.Time) error
	MarkFailed(ctx context.Context, eventID, reason string, now time.Time) error

	// AppendAudit inserts an audit row in its own transaction, so a later
	// rollback of a state transition cannot erase the attempt record.
	AppendAudit(ctx context.Context, entry *contracts.AuditEntry) error

	// ResetStale returns rows stuck in processing (worker crash between
	// commits) to pending. attempt_count is left untouched.
	ResetStale(ctx context.Context, olderThan, now time.Time) (int64, error)

	GetEvent(ctx context.Context, eventID string) (*contracts.Event, error)
	GetProcessingState(ctx context.Context, eventID string) (*contracts.ProcessingState, error)

	// Recent* feed the read-only dashboard, newest first.
	RecentEvents(ctx context.Context, limit int) ([]*contracts.Event, error)
	RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEntry, error)
	RecentProcessing(ctx context.Context, limit int) ([]*contracts.ProcessingState, error)

	Close() error
}

// AuditAppender is the narrow slice of Store the auditor needs.
type AuditAppender interface {
	AppendAudit(ctx context.Context, entry *contracts.AuditEntry) error
}
