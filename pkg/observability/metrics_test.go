package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetricsCounters(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordIngest(ctx, "accepted")
	m.RecordIngest(ctx, "accepted")
	m.RecordIngest(ctx, "deduplicated")
	m.RecordAttempt(ctx)
	m.RecordAttemptFailure(ctx)
	m.RecordDelivered(ctx)
	m.RecordPermanentFailure(ctx)

	totals := collect(t, reader)
	assert.Equal(t, int64(3), totals["spine.webhooks.received"])
	assert.Equal(t, int64(1), totals["spine.delivery.attempts"])
	assert.Equal(t, int64(1), totals["spine.delivery.failures"])
	assert.Equal(t, int64(1), totals["spine.delivery.succeeded"])
	assert.Equal(t, int64(1), totals["spine.delivery.abandoned"])
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	// Components constructed without metrics must not panic.
	m.RecordIngest(ctx, "accepted")
	m.RecordAttempt(ctx)
	m.RecordAttemptFailure(ctx)
	m.RecordDelivered(ctx)
	m.RecordPermanentFailure(ctx)
}
