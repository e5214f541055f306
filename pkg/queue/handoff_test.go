package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanHandoff_PublishAndDrain(t *testing.T) {
	h := NewChanHandoff(4)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, "e1"))
	require.NoError(t, h.Publish(ctx, "e2"))

	assert.Equal(t, "e1", <-h.Events())
	assert.Equal(t, "e2", <-h.Events())
}

func TestChanHandoff_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewChanHandoff(1)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, "e1"))
	// Buffer full: must return immediately, not block.
	require.NoError(t, h.Publish(ctx, "e2"))

	assert.Equal(t, "e1", <-h.Events())
	select {
	case id := <-h.Events():
		t.Fatalf("dropped nudge %q resurfaced", id)
	default:
	}
}

func TestChanHandoff_CloseIsIdempotent(t *testing.T) {
	h := NewChanHandoff(1)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, ok := <-h.Events()
	assert.False(t, ok)
}
