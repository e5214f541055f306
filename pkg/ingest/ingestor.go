// Package ingest resolves the three-way idempotency decision for inbound
// webhooks: new event, exact duplicate, or payload conflict. The decision
// is delegated to the store's unique index, so concurrent arrivals of the
// same event_id are settled by the database, not by application locks.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinehq/spine/pkg/audit"
	"github.com/spinehq/spine/pkg/canonicalize"
	"github.com/spinehq/spine/pkg/contracts"
	"github.com/spinehq/spine/pkg/observability"
	"github.com/spinehq/spine/pkg/queue"
	"github.com/spinehq/spine/pkg/store"
)

// Ingestor accepts validated webhook records and persists them idempotently.
type Ingestor struct {
	store   store.Store
	auditor audit.Recorder
	handoff queue.Handoff
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Ingestor)

// WithHandoff enables the advisory nudge to the worker pool on accept.
func WithHandoff(h queue.Handoff) Option {
	return func(i *Ingestor) { i.handoff = h }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(i *Ingestor) { i.clock = clock }
}

func New(s store.Store, auditor audit.Recorder, logger *slog.Logger, opts ...Option) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	ing := &Ingestor{
		store:   s,
		auditor: auditor,
		logger:  logger.With("component", "ingest"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Ingest stores the record if its event_id is unseen, detects exact
// duplicates by canonical payload hash, and flags conflicts. Storage
// failures other than the handled unique-violation race are returned to
// the caller as transient; the event_received audit entry remains.
func (i *Ingestor) Ingest(ctx context.Context, rec contracts.WebhookRecord) (contracts.IngestOutcome, error) {
	i.auditor.Record(ctx, rec.EventID, contracts.AuditEventReceived,
		fmt.Sprintf("Type: %s", rec.EventType), contracts.ResultPending)

	hash, err := canonicalize.HashPayload(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("hash payload for %s: %w", rec.EventID, err)
	}

	now := i.clock().UTC()
	ev := &contracts.Event{
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		OccurredAt:  rec.OccurredAt,
		Payload:     rec.Payload,
		PayloadHash: hash,
		CreatedAt:   now,
	}
	st := &contracts.ProcessingState{
		EventID:      rec.EventID,
		Status:       contracts.StatusPending,
		AttemptCount: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res, err := i.store.InsertIfAbsent(ctx, ev, st)
	if err != nil {
		return "", fmt.Errorf("ingest %s: %w", rec.EventID, err)
	}

	if res.Inserted {
		i.auditor.Record(ctx, rec.EventID, contracts.AuditEventInserted,
			"Event stored", contracts.ResultSuccess)
		i.nudge(ctx, rec.EventID)
		i.metrics.RecordIngest(ctx, string(contracts.OutcomeAccepted))
		i.logger.Info("event accepted", "event_id", rec.EventID, "event_type", rec.EventType)
		return contracts.OutcomeAccepted, nil
	}

	if res.Existing.PayloadHash == hash {
		i.auditor.Record(ctx, rec.EventID, contracts.AuditEventDeduped,
			"Duplicate ignored", contracts.ResultSuccess)
		i.metrics.RecordIngest(ctx, string(contracts.OutcomeDeduplicated))
		i.logger.Info("duplicate event ignored", "event_id", rec.EventID)
		return contracts.OutcomeDeduplicated, nil
	}

	detail := fmt.Sprintf("event %s already exists with different payload (stored hash %s, received %s)",
		rec.EventID, res.Existing.PayloadHash, hash)
	i.auditor.Record(ctx, rec.EventID, contracts.AuditConflictDetected, detail, contracts.ResultFailure)
	i.metrics.RecordIngest(ctx, string(contracts.OutcomeConflict))
	i.logger.Warn("payload conflict", "event_id", rec.EventID)
	return contracts.OutcomeConflict, nil
}

func (i *Ingestor) nudge(ctx context.Context, eventID string) {
	if i.handoff == nil {
		return
	}
	if err := i.handoff.Publish(ctx, eventID); err != nil {
		// Advisory: the worker's poll loop will discover the event.
		i.logger.Warn("handoff publish failed", "event_id", eventID, "error", err)
	}
}
