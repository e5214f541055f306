// Package queue carries the advisory handoff from ingestor to worker.
// Delivery here is deliberately lossy: a dropped or lost handoff only
// delays processing until the next poll, because the worker's claim query
// against the store is the authoritative discovery mechanism.
package queue

import (
	"context"
	"sync"
)

// Handoff publishes freshly accepted event IDs and exposes the stream a
// worker drains for low-latency pickup.
type Handoff interface {
	Publish(ctx context.Context, eventID string) error
	Events() <-chan string
	Close() error
}

// ChanHandoff is the in-process handoff used when the ingestor and worker
// share a process (the default single-binary deployment). Publishing never
// blocks; when the buffer is full the nudge is dropped.
type ChanHandoff struct {
	ch   chan string
	once sync.Once
}

func NewChanHandoff(buffer int) *ChanHandoff {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanHandoff{ch: make(chan string, buffer)}
}

func (h *ChanHandoff) Publish(_ context.Context, eventID string) error {
	select {
	case h.ch <- eventID:
	default:
		// Full buffer: the poll loop will find it.
	}
	return nil
}

func (h *ChanHandoff) Events() <-chan string { return h.ch }

func (h *ChanHandoff) Close() error {
	h.once.Do(func() { close(h.ch) })
	return nil
}
