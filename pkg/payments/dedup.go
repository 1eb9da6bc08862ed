package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// EventDedup short-circuits redelivered webhook events using redis SETNX.
// It is an optimization only: handlers stay idempotent without it, so every
// redis failure fails open and the event is processed normally.
type EventDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEventDedup creates a dedup store. TTL bounds how long event IDs are
// remembered; Stripe retries for up to three days, so the default is 72h.
func NewEventDedup(client *redis.Client, ttl time.Duration) *EventDedup {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &EventDedup{client: client, ttl: ttl}
}

// FirstSight records the event ID and reports whether this is the first time
// it was seen. Returns true on any redis error.
func (d *EventDedup) FirstSight(ctx context.Context, eventID string) bool {
	if d == nil || d.client == nil {
		return true
	}
	key := fmt.Sprintf("webhook:event:%s", eventID)
	ok, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}

// Forget removes an event ID so a failed handler run can be redelivered.
func (d *EventDedup) Forget(ctx context.Context, eventID string) {
	if d == nil || d.client == nil {
		return
	}
	d.client.Del(ctx, fmt.Sprintf("webhook:event:%s", eventID))
}
