package transport

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// OfflineInbox persists envelopes addressed to a currently-disconnected
// recipient in a Redis ZSET keyed by recipient, scored by timestamp so
// delivery on reconnect replays them oldest-first. Only ciphertext
// envelopes are ever stored — the relay never has plaintext to begin
// with, so there is nothing extra to protect here beyond what the
// envelope already is.
type OfflineInbox struct {
	client *redis.Client
}

// NewOfflineInbox wraps an existing Redis client for inbox storage.
func NewOfflineInbox(client *redis.Client) *OfflineInbox {
	return &OfflineInbox{client: client}
}

func inboxKey(userID string) string { return "transport:inbox:" + userID }

// Enqueue stores env for later delivery to userID.
func (o *OfflineInbox) Enqueue(ctx context.Context, userID string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.BadInput, "transport.OfflineInbox.Enqueue", "envelope encode failed", err)
	}
	err = o.client.ZAdd(ctx, inboxKey(userID), redis.Z{
		Score:  float64(env.Timestamp),
		Member: string(data),
	}).Err()
	if err != nil {
		return errs.Wrap(errs.TransportError, "transport.OfflineInbox.Enqueue", "redis zadd failed", err)
	}
	return nil
}

// Drain returns every pending envelope for userID, oldest first, and
// clears the inbox. Callers are expected to run each returned envelope
// through a Receiver before acknowledging delivery.
func (o *OfflineInbox) Drain(ctx context.Context, userID string) ([]*Envelope, error) {
	key := inboxKey(userID)
	results, err := o.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.OfflineInbox.Drain", "redis zrangebyscore failed", err)
	}

	envelopes := make([]*Envelope, 0, len(results))
	for _, raw := range results {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		envelopes = append(envelopes, &env)
	}

	if err := o.client.Del(ctx, key).Err(); err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.OfflineInbox.Drain", "redis del failed", err)
	}
	return envelopes, nil
}

// PendingCount reports how many envelopes are queued for userID.
func (o *OfflineInbox) PendingCount(ctx context.Context, userID string) (int64, error) {
	n, err := o.client.ZCard(ctx, inboxKey(userID)).Result()
	if err != nil {
		return 0, errs.Wrap(errs.TransportError, "transport.OfflineInbox.PendingCount", "redis zcard failed", err)
	}
	return n, nil
}
