package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// presenceTTL bounds how long a connection-registry entry survives after
// RegisterConnection sets it, matching the teacher's connection-registry
// convention (its Redis wiring also expires entries on a fixed TTL to
// self-heal after an ungraceful disconnect). Nothing in this package
// refreshes the entry while the connection stays open, and presence
// entries written by SetPresence carry no TTL.
const presenceTTL = 2 * time.Minute

// PubSub cross-instance-routes envelopes between relay servers over
// Redis: "where is user B?" connection lookup, online/offline presence,
// and an envelope fan-out channel per server instance so a relay holding
// user B's WebSocket can deliver an envelope accepted by whichever
// instance user A is connected to.
type PubSub struct {
	client   *redis.Client
	serverID string
}

// NewPubSub opens a Redis client bound to serverID, this relay instance's
// identity in the connection registry.
func NewPubSub(addr, serverID string) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.NewPubSub", "redis ping failed", err)
	}
	return &PubSub{client: client, serverID: serverID}, nil
}

// Close releases the Redis connection.
func (p *PubSub) Close() error { return p.client.Close() }

// RegisterConnection records that userID is connected to this server
// instance. The entry is set once with presenceTTL and expires after it,
// so a crashed instance's entries self-heal; it is not refreshed.
func (p *PubSub) RegisterConnection(ctx context.Context, userID string) error {
	key := "transport:conn:" + userID
	if err := p.client.Set(ctx, key, p.serverID, presenceTTL).Err(); err != nil {
		return errs.Wrap(errs.TransportError, "transport.PubSub.RegisterConnection", "redis set failed", err)
	}
	return p.SetPresence(ctx, userID, true)
}

// UnregisterConnection removes userID's connection-registry entry.
func (p *PubSub) UnregisterConnection(ctx context.Context, userID string) error {
	key := "transport:conn:" + userID
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.TransportError, "transport.PubSub.UnregisterConnection", "redis del failed", err)
	}
	return p.SetPresence(ctx, userID, false)
}

// LocateUser answers "where is userID connected?" — the serverID, and
// whether any instance currently holds a live connection for them.
func (p *PubSub) LocateUser(ctx context.Context, userID string) (serverID string, online bool, err error) {
	key := "transport:conn:" + userID
	val, getErr := p.client.Get(ctx, key).Result()
	if getErr == redis.Nil {
		return "", false, nil
	}
	if getErr != nil {
		return "", false, errs.Wrap(errs.TransportError, "transport.PubSub.LocateUser", "redis get failed", getErr)
	}
	return val, true, nil
}

// SetPresence records userID's online/offline status with a last-seen
// timestamp, independent of which server instance they are connected to.
func (p *PubSub) SetPresence(ctx context.Context, userID string, online bool) error {
	key := "transport:presence:" + userID
	value := fmt.Sprintf("%t:%d", online, time.Now().UnixMilli())
	if err := p.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errs.Wrap(errs.TransportError, "transport.PubSub.SetPresence", "redis set failed", err)
	}
	return nil
}

// PublishEnvelope fans env out to the server instance currently holding
// targetServerID's WebSocket connections, per the relay hub's
// cross-instance delivery path.
func (p *PubSub) PublishEnvelope(ctx context.Context, targetServerID string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.BadInput, "transport.PubSub.PublishEnvelope", "envelope encode failed", err)
	}
	channel := "transport:server:" + targetServerID
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return errs.Wrap(errs.TransportError, "transport.PubSub.PublishEnvelope", "redis publish failed", err)
	}
	return nil
}

// SubscribeEnvelopes delivers every envelope published to this server
// instance's channel to handle, until ctx is cancelled.
func (p *PubSub) SubscribeEnvelopes(ctx context.Context, handle func(*Envelope)) {
	channel := "transport:server:" + p.serverID
	sub := p.client.Subscribe(ctx, channel)
	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				handle(&env)
			}
		}
	}()
}
