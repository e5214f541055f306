package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinehq/spine/pkg/contracts"
)

type captureAppender struct {
	entries []*contracts.AuditEntry
	err     error
}

func (c *captureAppender) AppendAudit(_ context.Context, entry *contracts.AuditEntry) error {
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, entry)
	return nil
}

func TestRecord(t *testing.T) {
	appender := &captureAppender{}
	fixed := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	a := New(appender, nil).WithClock(func() time.Time { return fixed })

	a.Record(context.Background(), "e1", contracts.AuditEventInserted, "Event stored", contracts.ResultSuccess)

	require.Len(t, appender.entries, 1)
	got := appender.entries[0]
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, contracts.AuditEventInserted, got.Action)
	assert.Equal(t, "Event stored", got.Details)
	assert.Equal(t, contracts.ResultSuccess, got.Result)
	assert.True(t, got.Timestamp.Equal(fixed))
}

func TestRecord_AppendFailureIsSwallowed(t *testing.T) {
	appender := &captureAppender{err: errors.New("disk full")}
	a := New(appender, nil)

	// Must not panic or propagate: the business decision already happened.
	a.Record(context.Background(), "e1", contracts.AuditSucceeded, "", contracts.ResultSuccess)
	assert.Empty(t, appender.entries)
}

func TestRecord_TimestampsAreUTC(t *testing.T) {
	appender := &captureAppender{}
	est := time.FixedZone("EST", -5*3600)
	a := New(appender, nil).WithClock(func() time.Time {
		return time.Date(2026, 8, 24, 10, 0, 0, 0, est)
	})

	a.Record(context.Background(), "e1", contracts.AuditEventReceived, "", contracts.ResultPending)

	require.Len(t, appender.entries, 1)
	assert.Equal(t, time.UTC, appender.entries[0].Timestamp.Location())
}
