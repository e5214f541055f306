// Package observability exposes OpenTelemetry instruments for the spine's
// two hot paths: ingest decisions and delivery attempts. The meter comes
// from the global provider, so deployments without a configured exporter
// get no-op instruments at zero cost.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/spinehq/spine"

// Metrics bundles the counters recorded by the ingestor and worker.
type Metrics struct {
	webhooksReceived  metric.Int64Counter
	attemptsStarted   metric.Int64Counter
	attemptsFailed    metric.Int64Counter
	deliveriesOK      metric.Int64Counter
	permanentFailures metric.Int64Counter
}

// New registers instruments on the given meter. Pass nil to use the global
// meter provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(scope)
	}

	m := &Metrics{}
	var err error
	if m.webhooksReceived, err = meter.Int64Counter("spine.webhooks.received",
		metric.WithDescription("Webhooks received, by business outcome")); err != nil {
		return nil, err
	}
	if m.attemptsStarted, err = meter.Int64Counter("spine.delivery.attempts",
		metric.WithDescription("Delivery attempts started")); err != nil {
		return nil, err
	}
	if m.attemptsFailed, err = meter.Int64Counter("spine.delivery.failures",
		metric.WithDescription("Delivery attempts that failed transiently")); err != nil {
		return nil, err
	}
	if m.deliveriesOK, err = meter.Int64Counter("spine.delivery.succeeded",
		metric.WithDescription("Events delivered downstream")); err != nil {
		return nil, err
	}
	if m.permanentFailures, err = meter.Int64Counter("spine.delivery.abandoned",
		metric.WithDescription("Events that exhausted their retry budget")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.attemptsStarted.Add(ctx, 1)
}

func (m *Metrics) RecordAttemptFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.attemptsFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveriesOK.Add(ctx, 1)
}

func (m *Metrics) RecordPermanentFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.permanentFailures.Add(ctx, 1)
}
