package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned by Await when no response arrives before the
// deadline — the caller treats it as a denial/skip per spec §5.
var ErrTimeout = errors.New("queue: rendezvous timed out")

// Rendezvous is a request/response channel over Redis pub-sub, keyed by an
// arbitrary request id. The Permission/Approval Gate (C5) uses it to block
// on a user's allow/deny decision.
type Rendezvous struct {
	client *redis.Client
	prefix string
}

// NewRendezvous builds a Rendezvous whose channels are named
// "<prefix>:<requestID>".
func NewRendezvous(client *redis.Client, prefix string) *Rendezvous {
	return &Rendezvous{client: client, prefix: prefix}
}

func (r *Rendezvous) channel(requestID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, requestID)
}

// Publish announces a pending request so an external responder (approval
// UI, on-call operator) knows to reply on requestID's channel.
func (r *Rendezvous) Publish(ctx context.Context, requestID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal rendezvous payload: %w", err)
	}
	if err := r.client.Set(ctx, "pending:"+r.channel(requestID), data, 0).Err(); err != nil {
		return fmt.Errorf("queue: publish pending request: %w", err)
	}
	return nil
}

// Await subscribes to requestID's channel and blocks until a response
// arrives, the context is cancelled, or timeout elapses.
func (r *Rendezvous) Await(ctx context.Context, requestID string, timeout time.Duration) ([]byte, error) {
	sub := r.client.Subscribe(ctx, r.channel(requestID))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("queue: await rendezvous response: %w", err)
	}
	return []byte(msg.Payload), nil
}

// Respond publishes a response for a pending request, waking any Await
// call blocked on requestID.
func (r *Rendezvous) Respond(ctx context.Context, requestID string, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel(requestID), payload).Err(); err != nil {
		return fmt.Errorf("queue: publish rendezvous response: %w", err)
	}
	r.client.Del(ctx, "pending:"+r.channel(requestID))
	return nil
}
