package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence mirrors registry transitions to an external store so other
// services can see who is reachable. Failures never affect delivery.
type Presence interface {
	Online(ctx context.Context, id PartyID) error
	Refresh(ctx context.Context, id PartyID) error
	Offline(ctx context.Context, id PartyID) error
}

type noopPresence struct{}

func (noopPresence) Online(context.Context, PartyID) error  { return nil }
func (noopPresence) Refresh(context.Context, PartyID) error { return nil }
func (noopPresence) Offline(context.Context, PartyID) error { return nil }

const PresenceChannel = "relay:presence"

type PresenceEvent struct {
	PartyID PartyID `json:"partyId"`
	Online  bool    `json:"online"`
}

// RedisPresence keeps a TTL key per online party and publishes every
// online/offline transition on PresenceChannel.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(id PartyID) string {
	return "presence:" + strconv.FormatInt(int64(id), 10)
}

func (p *RedisPresence) Online(ctx context.Context, id PartyID) error {
	if err := p.rdb.Set(ctx, presenceKey(id), 1, p.ttl).Err(); err != nil {
		return err
	}
	return p.publish(ctx, PresenceEvent{PartyID: id, Online: true})
}

func (p *RedisPresence) Refresh(ctx context.Context, id PartyID) error {
	return p.rdb.Set(ctx, presenceKey(id), 1, p.ttl).Err()
}

func (p *RedisPresence) Offline(ctx context.Context, id PartyID) error {
	if err := p.rdb.Del(ctx, presenceKey(id)).Err(); err != nil {
		return err
	}
	return p.publish(ctx, PresenceEvent{PartyID: id, Online: false})
}

// IsOnline reads the mirrored state for id.
func (p *RedisPresence) IsOnline(ctx context.Context, id PartyID) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(id)).Result()
	return n == 1, err
}

func (p *RedisPresence) publish(ctx context.Context, ev PresenceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, PresenceChannel, payload).Err()
}
