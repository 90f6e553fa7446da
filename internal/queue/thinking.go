// Package queue adapts the teacher's Redis-stream producer/consumer into
// the orchestrator's two Redis-backed needs: a thinking-event stream for UI
// progress (spec §6 "Thinking-event stream emitter", externalized as a
// consumer but fed by this sink) and the approval/intervention rendezvous
// internal/approval builds on.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThinkingEvent is one progress update emitted while a turn runs.
type ThinkingEvent struct {
	TurnID    string
	Phase     string
	Message   string
	Timestamp time.Time
}

// ThinkingSink publishes thinking events onto a Redis stream, the same
// XAdd-based fan-out the teacher's redisProducer used for issue events.
type ThinkingSink struct {
	client *redis.Client
	stream string
}

// NewThinkingSink returns a sink writing to the given stream.
func NewThinkingSink(client *redis.Client, stream string) *ThinkingSink {
	return &ThinkingSink{client: client, stream: stream}
}

// Emit appends ev to the stream. The UI front-end (out of scope here) tails
// it via XREAD; this package doesn't care who's listening.
func (s *ThinkingSink) Emit(ctx context.Context, ev ThinkingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"turn_id":   ev.TurnID,
			"phase":     ev.Phase,
			"message":   ev.Message,
			"timestamp": ev.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: emit thinking event: %w", err)
	}
	slog.DebugContext(ctx, "thinking event emitted", "turn_id", ev.TurnID, "phase", ev.Phase)
	return nil
}

// Close releases the underlying client.
func (s *ThinkingSink) Close() error {
	return s.client.Close()
}
