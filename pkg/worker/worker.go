// Package worker drives pending events through delivery attempts. Each
// event holds at most one attempt in flight: the attempt starts under the
// store's row lock, which is released before the downstream call so the
// database is never held open across network I/O.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spinehq/spine/pkg/audit"
	"github.com/spinehq/spine/pkg/contracts"
	"github.com/spinehq/spine/pkg/downstream"
	"github.com/spinehq/spine/pkg/observability"
	"github.com/spinehq/spine/pkg/queue"
	"github.com/spinehq/spine/pkg/retry"
	"github.com/spinehq/spine/pkg/store"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultBatchSize      = 10
	defaultConcurrency    = 10
	defaultStaleThreshold = 5 * time.Minute
	errorBackoff          = 5 * time.Second
)

// Worker polls the store for due events and delivers them downstream with
// bounded retries. Multiple workers may run against the same database; the
// row lock in LockForAttempt keeps them from doubling up on an event.
type Worker struct {
	id        string
	store     store.Store
	auditor   audit.Recorder
	deliverer downstream.Deliverer
	policy    retry.Policy
	metrics   *observability.Metrics
	handoff   queue.Handoff
	logger    *slog.Logger
	clock     func() time.Time

	pollInterval   time.Duration
	batchSize      int
	concurrency    int
	staleThreshold time.Duration
}

type Option func(*Worker)

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(w *Worker) { w.staleThreshold = d }
}

// WithHandoff wires the advisory nudge channel. The worker drains it for
// low-latency pickup; polling remains the authoritative discovery path.
func WithHandoff(h queue.Handoff) Option {
	return func(w *Worker) { w.handoff = h }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

func New(s store.Store, auditor audit.Recorder, deliverer downstream.Deliverer, policy retry.Policy, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()[:8]
	w := &Worker{
		id:             id,
		store:          s,
		auditor:        auditor,
		deliverer:      deliverer,
		policy:         policy,
		logger:         logger.With("component", "worker", "worker_id", id),
		clock:          time.Now,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		concurrency:    defaultConcurrency,
		staleThreshold: defaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. It reaps stale processing rows once at
// startup, then on a timer, so events orphaned by a crashed worker re-enter
// the pending pool.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.pollInterval, "concurrency", w.concurrency)

	w.reap(ctx)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	reap := time.NewTicker(w.staleThreshold / 2)
	defer reap.Stop()

	var events <-chan string
	if w.handoff != nil {
		events = w.handoff.Events()
	}

	// Nudges and poll batches share one bounded pool, so a slow delivery
	// never stalls the select loop or the reaper.
	sem := make(chan struct{}, w.concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-reap.C:
			w.reap(ctx)
		case eventID, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.dispatch(ctx, sem, &inflight, eventID)
		case <-poll.C:
			if err := w.pollOnce(ctx, sem); err != nil {
				w.logger.Error("poll cycle failed", "error", err)
				select {
				case <-time.After(errorBackoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// dispatch hands a nudged event to the pool without blocking the run
// loop. A saturated pool drops the nudge; it is advisory, and the next
// poll tick picks the event up anyway.
func (w *Worker) dispatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, eventID string) {
	select {
	case sem <- struct{}{}:
	default:
		return
	}
	wg.Add(1)
	go func() {
		defer func() {
			<-sem
			wg.Done()
		}()
		w.processEvent(ctx, eventID)
	}()
}

// pollOnce claims one batch and processes it on the shared pool, waiting
// for the batch to finish so the next tick cannot re-claim the same rows.
func (w *Worker) pollOnce(ctx context.Context, sem chan struct{}) error {
	ids, err := w.store.ClaimPending(ctx, w.batchSize, w.clock().UTC())
	if err != nil {
		return fmt.Errorf("claim pending: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(eventID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			w.processEvent(ctx, eventID)
		}(id)
	}
	wg.Wait()
	return nil
}

// processEvent runs one delivery attempt end to end. The claim is
// best-effort: losing the row lock to another worker is normal and exits
// silently.
func (w *Worker) processEvent(ctx context.Context, eventID string) {
	tx, err := w.store.LockForAttempt(ctx, eventID)
	if err != nil {
		w.logger.Error("lock failed", "event_id", eventID, "error", err)
		return
	}
	if tx == nil {
		return
	}

	st := tx.State()
	now := w.clock().UTC()

	// Budget already spent before this attempt could start. Happens when a
	// reaped row carried a full attempt count back into pending.
	if w.policy.IsTerminal(st.AttemptCount) {
		reason := "max attempts exceeded"
		if err := tx.MarkAbandoned(reason, now); err != nil {
			_ = tx.Rollback()
			w.logger.Error("abandon failed", "event_id", eventID, "error", err)
			return
		}
		if err := tx.Commit(); err != nil {
			w.logger.Error("abandon commit failed", "event_id", eventID, "error", err)
			return
		}
		w.auditor.Record(ctx, eventID, contracts.AuditAbandoned, reason, contracts.ResultFailure)
		w.metrics.RecordPermanentFailure(ctx)
		w.logger.Warn("event abandoned", "event_id", eventID, "attempts", st.AttemptCount)
		return
	}

	attempt, err := tx.MarkProcessing(now)
	if err != nil {
		_ = tx.Rollback()
		w.logger.Error("mark processing failed", "event_id", eventID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.logger.Error("attempt commit failed", "event_id", eventID, "error", err)
		return
	}

	w.auditor.Record(ctx, eventID, contracts.AuditAttemptStarted,
		fmt.Sprintf("Attempt %d of %d", attempt, w.policy.MaxAttempts), contracts.ResultPending)
	w.metrics.RecordAttempt(ctx)

	deliveryErr := w.deliverer.Deliver(ctx, eventID)

	if deliveryErr == nil {
		w.finishSuccess(ctx, eventID, attempt)
		return
	}
	w.finishFailure(ctx, eventID, attempt, deliveryErr)
}

func (w *Worker) finishSuccess(ctx context.Context, eventID string, attempt int) {
	if err := w.store.MarkCompleted(ctx, eventID, w.clock().UTC()); err != nil {
		w.recordProcessingError(ctx, eventID, fmt.Errorf("mark completed: %w", err))
		return
	}
	w.auditor.Record(ctx, eventID, contracts.AuditSucceeded,
		fmt.Sprintf("Delivered on attempt %d", attempt), contracts.ResultSuccess)
	w.metrics.RecordDelivered(ctx)
	w.logger.Info("event delivered", "event_id", eventID, "attempt", attempt)
}

func (w *Worker) finishFailure(ctx context.Context, eventID string, attempt int, deliveryErr error) {
	now := w.clock().UTC()
	reason := deliveryErr.Error()

	w.auditor.Record(ctx, eventID, contracts.AuditAttemptFailed,
		fmt.Sprintf("Attempt %d failed: %s", attempt, reason), contracts.ResultFailure)
	w.metrics.RecordAttemptFailure(ctx)

	if w.policy.IsTerminal(attempt) {
		if err := w.store.MarkFailed(ctx, eventID, reason, now); err != nil {
			w.recordProcessingError(ctx, eventID, fmt.Errorf("mark failed: %w", err))
			return
		}
		w.auditor.Record(ctx, eventID, contracts.AuditFailedPermanently,
			fmt.Sprintf("Failed permanently after %d attempts: %s", attempt, reason), contracts.ResultFailure)
		w.metrics.RecordPermanentFailure(ctx)
		w.logger.Error("event failed permanently", "event_id", eventID, "attempts", attempt)
		return
	}

	delay := w.policy.Backoff(attempt)
	notBefore := now.Add(delay)
	if err := w.store.MarkRetry(ctx, eventID, reason, notBefore, now); err != nil {
		w.recordProcessingError(ctx, eventID, fmt.Errorf("mark retry: %w", err))
		return
	}
	w.auditor.Record(ctx, eventID, contracts.AuditRetryScheduled,
		fmt.Sprintf("Retry %d scheduled in %s", attempt+1, delay), contracts.ResultPending)
	w.logger.Warn("delivery failed, retry scheduled",
		"event_id", eventID, "attempt", attempt, "delay", delay)
}

func (w *Worker) recordProcessingError(ctx context.Context, eventID string, err error) {
	w.auditor.Record(ctx, eventID, contracts.AuditProcessingError, err.Error(), contracts.ResultFailure)
	w.logger.Error("state transition failed", "event_id", eventID, "error", err)
}

// reap returns rows stuck in processing past the stale threshold to
// pending. attempt_count is preserved, so a reaped event cannot exceed its
// retry budget.
func (w *Worker) reap(ctx context.Context) {
	cutoff := w.clock().UTC().Add(-w.staleThreshold)
	n, err := w.store.ResetStale(ctx, cutoff, w.clock().UTC())
	if err != nil {
		w.logger.Error("stale reap failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("reset stale processing rows", "count", n)
	}
}
