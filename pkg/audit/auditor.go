// Package audit records every state-changing decision in the append-only
// audit log. Writes commit in their own transaction, so the trail reflects
// what was attempted even when the surrounding state transition later
// rolls back.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/spinehq/spine/pkg/contracts"
	"github.com/spinehq/spine/pkg/store"
)

// Recorder is the interface the ingestor and worker audit through.
type Recorder interface {
	Record(ctx context.Context, eventID string, action contracts.AuditAction, details string, result contracts.AuditResult)
}

// Auditor appends entries via the store. A failed append is logged and
// dropped: a missing audit row is preferable to failing the business
// decision it describes. An external tail-reconciler can close the gap.
type Auditor struct {
	appender store.AuditAppender
	logger   *slog.Logger
	clock    func() time.Time
}

func New(appender store.AuditAppender, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		appender: appender,
		logger:   logger.With("component", "audit"),
		clock:    time.Now,
	}
}

// WithClock overrides the timestamp source. Tests use this to make audit
// ordering deterministic.
func (a *Auditor) WithClock(clock func() time.Time) *Auditor {
	a.clock = clock
	return a
}

func (a *Auditor) Record(ctx context.Context, eventID string, action contracts.AuditAction, details string, result contracts.AuditResult) {
	entry := &contracts.AuditEntry{
		Timestamp: a.clock().UTC(),
		EventID:   eventID,
		Action:    action,
		Details:   details,
		Result:    result,
	}
	if err := a.appender.AppendAudit(ctx, entry); err != nil {
		a.logger.Error("audit append failed",
			"event_id", eventID, "action", action, "error", err)
		return
	}
	a.logger.Info("audit",
		"action", action, "event_id", eventID, "success", result)
}
