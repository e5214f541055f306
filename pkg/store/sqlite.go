package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spinehq/spine/pkg/contracts"
)

// SQLiteStore is an embedded Store for tests and single-node deployments.
// SQLite has no FOR UPDATE; the pool is capped at one connection so write
// transactions serialize, and the status gate in LockForAttempt provides
// the same at-most-one-in-flight guarantee.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteTimeLayout is RFC 3339 with a fixed-width fraction so stored text
// timestamps compare lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_event_id ON events (event_id);

CREATE TABLE IF NOT EXISTS processing_state (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	completed_at TEXT,
	not_before TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processing_status ON processing_state (status);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_id TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT,
	success TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_event_id ON audit_log (event_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log (timestamp);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, ev *contracts.Event, st *contracts.ProcessingState) (InsertResult, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return InsertResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, occurred_at, payload, payload_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, fmtTime(ev.OccurredAt), string(payload), ev.PayloadHash, fmtTime(ev.CreatedAt),
	)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO processing_state (event_id, status, attempt_count, not_before, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			st.EventID, st.Status, st.AttemptCount, fmtNullTime(st.NotBefore), fmtTime(st.CreatedAt), fmtTime(st.CreatedAt),
		)
	}
	if err != nil {
		if !isSQLiteUniqueViolation(err) {
			return InsertResult{}, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		_ = tx.Rollback()
		existing, gerr := s.GetEvent(ctx, ev.EventID)
		if gerr != nil {
			return InsertResult{}, fmt.Errorf("read existing event %s: %w", ev.EventID, gerr)
		}
		return InsertResult{Inserted: false, Existing: existing}, nil
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Inserted: true}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM processing_state
		 WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		fmtTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LockForAttempt(ctx context.Context, eventID string) (AttemptTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state
		 WHERE event_id = ? AND status IN ('pending', 'failed')`,
		eventID,
	)
	st, err := scanLiteState(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &liteAttemptTx{ctx: ctx, tx: tx, st: st}, nil
}

type liteAttemptTx struct {
	ctx context.Context
	tx  *sql.Tx
	st  *contracts.ProcessingState
}

func (t *liteAttemptTx) State() *contracts.ProcessingState { return t.st }

func (t *liteAttemptTx) MarkProcessing(now time.Time) (int, error) {
	attempt := t.st.AttemptCount + 1
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE processing_state
		 SET status = 'processing', attempt_count = ?, last_attempt_at = ?, not_before = NULL, updated_at = ?
		 WHERE event_id = ?`,
		attempt, fmtTime(now), fmtTime(now), t.st.EventID,
	)
	if err != nil {
		return 0, err
	}
	t.st.Status = contracts.StatusProcessing
	t.st.AttemptCount = attempt
	t.st.LastAttemptAt = &now
	return attempt, nil
}

func (t *liteAttemptTx) MarkAbandoned(reason string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE processing_state
		 SET status = 'failed', error_message = ?, updated_at = ?
		 WHERE event_id = ?`,
		reason, fmtTime(now), t.st.EventID,
	)
	if err != nil {
		return err
	}
	t.st.Status = contracts.StatusFailed
	t.st.ErrorMessage = reason
	return nil
}

func (t *liteAttemptTx) Commit() error   { return t.tx.Commit() }
func (t *liteAttemptTx) Rollback() error { return t.tx.Rollback() }

func (s *SQLiteStore) MarkCompleted(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'completed', completed_at = ?, error_message = NULL, updated_at = ?
		 WHERE event_id = ? AND status = 'processing'`,
		fmtTime(now), fmtTime(now), eventID,
	)
	return err
}

func (s *SQLiteStore) MarkRetry(ctx context.Context, eventID, reason string, notBefore, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'pending', error_message = ?, not_before = ?, updated_at = ?
		 WHERE event_id = ? AND status = 'processing'`,
		reason, fmtTime(notBefore), fmtTime(now), eventID,
	)
	return err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, eventID, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'failed', error_message = ?, updated_at = ?
		 WHERE event_id = ? AND status = 'processing'`,
		reason, fmtTime(now), eventID,
	)
	return err
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *contracts.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, event_id, action, details, success)
		 VALUES (?, ?, ?, ?, ?)`,
		fmtTime(entry.Timestamp), entry.EventID, entry.Action, entry.Details, entry.Result,
	)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", entry.EventID, entry.Action, err)
	}
	return nil
}

func (s *SQLiteStore) ResetStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'pending', updated_at = ?
		 WHERE status = 'processing' AND last_attempt_at < ?`,
		fmtTime(now), fmtTime(olderThan),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, occurred_at, payload, payload_hash, created_at
		 FROM events WHERE event_id = ?`,
		eventID,
	)
	return scanLiteEvent(row)
}

func (s *SQLiteStore) GetProcessingState(ctx context.Context, eventID string) (*contracts.ProcessingState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state WHERE event_id = ?`,
		eventID,
	)
	st, err := scanLiteState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, occurred_at, payload, payload_hash, created_at
		 FROM events ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		ev, err := scanLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, event_id, action, details, success
		 FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.AuditEntry
	for rows.Next() {
		var e contracts.AuditEntry
		var ts string
		var details, result sql.NullString
		if err := rows.Scan(&ts, &e.EventID, &e.Action, &details, &result); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Details = details.String
		e.Result = contracts.AuditResult(result.String)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RecentProcessing(ctx context.Context, limit int) ([]*contracts.ProcessingState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state ORDER BY updated_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*contracts.ProcessingState
	for rows.Next() {
		st, err := scanLiteState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanLiteEvent(row scanner) (*contracts.Event, error) {
	var ev contracts.Event
	var occurredAt, createdAt, payload string
	if err := row.Scan(&ev.EventID, &ev.EventType, &occurredAt, &payload, &ev.PayloadHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ev.OccurredAt = parseTime(occurredAt)
	ev.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for event %s: %w", ev.EventID, err)
	}
	return &ev, nil
}

func scanLiteState(row scanner) (*contracts.ProcessingState, error) {
	var st contracts.ProcessingState
	var lastAttempt, completed, notBefore, errMsg sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&st.EventID, &st.Status, &st.AttemptCount, &lastAttempt, &completed, &notBefore, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := parseTime(lastAttempt.String)
		st.LastAttemptAt = &t
	}
	if completed.Valid {
		t := parseTime(completed.String)
		st.CompletedAt = &t
	}
	if notBefore.Valid {
		t := parseTime(notBefore.String)
		st.NotBefore = &t
	}
	st.ErrorMessage = errMsg.String
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(sqliteTimeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
