// Package redisguard implements guard.IntegrityGuard on top of Redis, for
// deployments that would rather lean on a store they already run than add
// a SQL table for the inbox log. It follows the teacher's
// framework/cache/redis.go idiom of a thin client wrapper per concern.
//
// It deliberately implements only guard.IntegrityGuard, not
// guard.ExactlyOnceGuard: Redis has no transaction that can span an
// arbitrary handler's own side effects and this guard's own writes, so
// EXACTLY_ONCE against a redisguard degrades to AT_LEAST_ONCE through
// guard.RunGuarded's documented fallback rather than pretending to an
// atomicity it cannot deliver.
package redisguard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
)

// Guard implements guard.IntegrityGuard against a Redis instance.
type Guard struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// New wraps an established client. prefix namespaces every key (e.g.
// "relay:guard"). A zero TTL means handled records never expire.
func New(client *redis.Client, prefix string, ttl time.Duration) *Guard {
	return &Guard{Client: client, Prefix: prefix, TTL: ttl}
}

func (g *Guard) handledKey(eventID uuid.UUID) string {
	return g.Prefix + ":handled:" + eventID.String()
}

func (g *Guard) attemptsKey(eventID uuid.UUID) string {
	return g.Prefix + ":attempts:" + eventID.String()
}

func (g *Guard) IsDispatchForbidden(ctx context.Context, eventID uuid.UUID) (bool, error) {
	exists, err := g.Client.Exists(ctx, g.handledKey(eventID)).Result()
	if err != nil {
		return false, err
	}

	return exists > 0, nil
}

func (g *Guard) RecordDispatchAttempt(ctx context.Context, payload envelope.Payload) error {
	return g.Client.Incr(ctx, g.attemptsKey(payload.ID)).Err()
}

// RecordCompletion uses SETNX so that two concurrent dispatchers racing on
// the same event ID can't both believe they were first: exactly one SETNX
// succeeds, and the loser gets ErrDuplicateCompletion.
func (g *Guard) RecordCompletion(ctx context.Context, payload envelope.Payload, guarantee guard.Guarantee) error {
	body, err := payload.MarshalJSON()
	if err != nil {
		return err
	}

	key := g.handledKey(payload.ID)

	ok, err := g.Client.SetNX(ctx, key, body, g.TTL).Result()
	if err != nil {
		return err
	}

	if !ok {
		return guard.ErrDuplicateCompletion
	}

	return g.Client.HSet(ctx, key+":meta", "guarantee", string(guarantee)).Err()
}

var _ guard.IntegrityGuard = (*Guard)(nil)
