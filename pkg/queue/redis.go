package queue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel accepted event IDs are announced on.
const DefaultChannel = "spine:handoff"

// RedisHandoff fans accepted event IDs out over Redis pub/sub so workers in
// other processes wake up before their next poll tick. Pub/sub has no
// persistence, which matches the advisory contract exactly.
type RedisHandoff struct {
	client  *redis.Client
	channel string
	sub     *redis.PubSub
	out     chan string
	logger  *slog.Logger
}

func NewRedisHandoff(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) *RedisHandoff {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &RedisHandoff{
		client:  client,
		channel: channel,
		sub:     client.Subscribe(ctx, channel),
		out:     make(chan string, 64),
		logger:  logger.With("component", "handoff"),
	}
	go h.pump()
	return h
}

func (h *RedisHandoff) pump() {
	defer close(h.out)
	for msg := range h.sub.Channel() {
		select {
		case h.out <- msg.Payload:
		default:
			// Full buffer: drop, the poll loop covers it.
		}
	}
}

func (h *RedisHandoff) Publish(ctx context.Context, eventID string) error {
	if err := h.client.Publish(ctx, h.channel, eventID).Err(); err != nil {
		// Advisory only; callers log and move on.
		return err
	}
	return nil
}

func (h *RedisHandoff) Events() <-chan string { return h.out }

func (h *RedisHandoff) Close() error {
	return h.sub.Close()
}
