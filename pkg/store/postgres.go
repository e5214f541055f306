package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/spinehq/spine/pkg/contracts"
)

// PostgresStore is the production Store backed by PostgreSQL. Row locks use
// SELECT ... FOR UPDATE SKIP LOCKED so contending workers move on instead
// of queueing behind each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres dials the database named by a postgres:// connection string.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	event_id VARCHAR(255) UNIQUE NOT NULL,
	event_type VARCHAR(100) NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	payload_hash CHAR(64) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_event_id ON events (event_id);

CREATE TABLE IF NOT EXISTS processing_state (
	id BIGSERIAL PRIMARY KEY,
	event_id VARCHAR(255) UNIQUE NOT NULL,
	status VARCHAR(50) NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	not_before TIMESTAMPTZ,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_processing_status ON processing_state (status);

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	event_id VARCHAR(255) NOT NULL,
	action VARCHAR(100) NOT NULL,
	details TEXT,
	success VARCHAR(10)
);
CREATE INDEX IF NOT EXISTS idx_audit_event_id ON audit_log (event_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log (timestamp);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, ev *contracts.Event, st *contracts.ProcessingState) (InsertResult, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.EventType, ev.OccurredAt, payload, ev.PayloadHash, ev.CreatedAt,
	)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO processing_state (event_id, status, attempt_count, not_before, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)`,
			st.EventID, st.Status, st.AttemptCount, st.NotBefore, st.CreatedAt,
		)
	}
	if err != nil {
		if !isPgUniqueViolation(err) {
			return InsertResult{}, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		// Lost the race (or a genuine duplicate): surface the stored event.
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

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM processing_state
		 WHERE status = 'pending' AND (not_before IS NULL OR not_before <= $1)
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		now, limit,
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

func (s *PostgresStore) LockForAttempt(ctx context.Context, eventID string) (AttemptTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state
		 WHERE event_id = $1 AND status IN ('pending', 'failed')
		 FOR UPDATE SKIP LOCKED`,
		eventID,
	)
	st, err := scanPgState(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			// Locked by another worker, mid-flight, or terminal.
			return nil, nil
		}
		return nil, err
	}

	return &pgAttemptTx{ctx: ctx, tx: tx, st: st}, nil
}

type pgAttemptTx struct {
	ctx context.Context
	tx  *sql.Tx
	st  *contracts.ProcessingState
}

func (t *pgAttemptTx) State() *contracts.ProcessingState { return t.st }

func (t *pgAttemptTx) MarkProcessing(now time.Time) (int, error) {
	attempt := t.st.AttemptCount + 1
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE processing_state
		 SET status = 'processing', attempt_count = $1, last_attempt_at = $2, not_before = NULL, updated_at = $2
		 WHERE event_id = $3`,
		attempt, now, t.st.EventID,
	)
	if err != nil {
		return 0, err
	}
	t.st.Status = contracts.StatusProcessing
	t.st.AttemptCount = attempt
	t.st.LastAttemptAt = &now
	return attempt, nil
}

func (t *pgAttemptTx) MarkAbandoned(reason string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE processing_state
		 SET status = 'failed', error_message = $1, updated_at = $2
		 WHERE event_id = $3`,
		reason, now, t.st.EventID,
	)
	if err != nil {
		return err
	}
	t.st.Status = contracts.StatusFailed
	t.st.ErrorMessage = reason
	return nil
}

func (t *pgAttemptTx) Commit() error   { return t.tx.Commit() }
func (t *pgAttemptTx) Rollback() error { return t.tx.Rollback() }

func (s *PostgresStore) MarkCompleted(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'completed', completed_at = $1, error_message = NULL, updated_at = $1
		 WHERE event_id = $2 AND status = 'processing'`,
		now, eventID,
	)
	return err
}

func (s *PostgresStore) MarkRetry(ctx context.Context, eventID, reason string, notBefore, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'pending', error_message = $1, not_before = $2, updated_at = $3
		 WHERE event_id = $4 AND status = 'processing'`,
		reason, notBefore, now, eventID,
	)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'failed', error_message = $1, updated_at = $2
		 WHERE event_id = $3 AND status = 'processing'`,
		reason, now, eventID,
	)
	return err
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *contracts.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, event_id, action, details, success)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.Timestamp, entry.EventID, entry.Action, entry.Details, entry.Result,
	)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", entry.EventID, entry.Action, err)
	}
	return nil
}

func (s *PostgresStore) ResetStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_state
		 SET status = 'pending', updated_at = $1
		 WHERE status = 'processing' AND last_attempt_at < $2`,
		now, olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, occurred_at, payload, payload_hash, created_at
		 FROM events WHERE event_id = $1`,
		eventID,
	)
	return scanPgEvent(row)
}

func (s *PostgresStore) GetProcessingState(ctx context.Context, eventID string) (*contracts.ProcessingState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state WHERE event_id = $1`,
		eventID,
	)
	st, err := scanPgState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, occurred_at, payload, payload_hash, created_at
		 FROM events ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, event_id, action, details, success
		 FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.AuditEntry
	for rows.Next() {
		var e contracts.AuditEntry
		var details, result sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.EventID, &e.Action, &details, &result); err != nil {
			return nil, err
		}
		e.Details = details.String
		e.Result = contracts.AuditResult(result.String)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecentProcessing(ctx context.Context, limit int) ([]*contracts.ProcessingState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, status, attempt_count, last_attempt_at, completed_at, not_before, error_message, created_at, updated_at
		 FROM processing_state ORDER BY updated_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*contracts.ProcessingState
	for rows.Next() {
		st, err := scanPgState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPgEvent(row scanner) (*contracts.Event, error) {
	var ev contracts.Event
	var payload []byte
	if err := row.Scan(&ev.EventID, &ev.EventType, &ev.OccurredAt, &payload, &ev.PayloadHash, &ev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for event %s: %w", ev.EventID, err)
	}
	return &ev, nil
}

func scanPgState(row scanner) (*contracts.ProcessingState, error) {
	var st contracts.ProcessingState
	var lastAttempt, completed, notBefore sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&st.EventID, &st.Status, &st.AttemptCount, &lastAttempt, &completed, &notBefore, &errMsg, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		st.LastAttemptAt = &lastAttempt.Time
	}
	if completed.Valid {
		st.CompletedAt = &completed.Time
	}
	if notBefore.Valid {
		st.NotBefore = &notBefore.Time
	}
	st.ErrorMessage = errMsg.String
	return &st, nil
}
