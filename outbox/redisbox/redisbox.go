// Package redisbox implements outbox.Schedule on top of Redis, for
// deployments that already run Redis (with AOF or RDB persistence enabled)
// and would rather not stand up a separate SQL table for the outbox. It
// follows the teacher's framework/cache/redis.go idiom of one small
// client wrapper per concern, generalized from a generic cache contract to
// this schedule's five operations.
//
// Entries live as a hash per event ID (for the payload and closed flag)
// plus a sorted set keyed by due time, so DueNow can ask Redis directly
// for "what's due" instead of scanning every entry.
package redisbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox"
)

// Schedule implements outbox.Schedule against a Redis instance.
type Schedule struct {
	Client        *redis.Client
	Prefix        string
	ClaimDuration time.Duration
}

// New wraps an established client. prefix namespaces every key (e.g.
// "relay:outbox").
func New(client *redis.Client, prefix string, claimDuration time.Duration) *Schedule {
	return &Schedule{Client: client, Prefix: prefix, ClaimDuration: claimDuration}
}

func (s *Schedule) entryKey(eventID uuid.UUID) string {
	return s.Prefix + ":entry:" + eventID.String()
}

func (s *Schedule) dueSetKey() string {
	return s.Prefix + ":due"
}

// AddClaimedEntry (re)claims the entry for payload.ID. A handler retry
// reuses the original event_id, and the retry invariant requires the event
// durably re-queued and reopened before the original delivery is
// acknowledged, so a second call for an event_id that already has an entry
// (possibly already closed) must reopen it rather than leave it alone.
func (s *Schedule) AddClaimedEntry(ctx context.Context, payload envelope.Payload, dueAfter *time.Time) error {
	key := s.entryKey(payload.ID)

	body, err := payload.MarshalJSON()
	if err != nil {
		return err
	}

	now := time.Now()

	due := now
	if dueAfter != nil {
		due = *dueAfter
	}

	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"body":       body,
		"claimed_at": now.UnixNano(),
		"closed":     0,
	})
	pipe.ZAdd(ctx, s.dueSetKey(), redis.Z{Score: float64(due.UnixNano()), Member: payload.ID.String()})

	_, err = pipe.Exec(ctx)

	return err
}

func (s *Schedule) IsClaimed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	claimedAtRaw, err := s.Client.HGet(ctx, s.entryKey(eventID), "claimed_at").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	claimedAt, err := parseUnixNano(claimedAtRaw)
	if err != nil {
		return false, err
	}

	return time.Since(claimedAt) < s.ClaimDuration, nil
}

func (s *Schedule) DueNow(ctx context.Context) ([]envelope.Payload, error) {
	now := time.Now()

	ids, err := s.Client.ZRangeByScore(ctx, s.dueSetKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(now),
	}).Result()
	if err != nil {
		return nil, err
	}

	type due struct {
		payload   envelope.Payload
		claimedAt time.Time
	}

	candidates := make([]due, 0, len(ids))

	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}

		values, err := s.Client.HMGet(ctx, s.entryKey(id), "body", "closed", "claimed_at").Result()
		if err != nil {
			return nil, err
		}

		if len(values) < 3 || values[0] == nil || values[1] == nil {
			continue
		}

		closed, _ := values[1].(string)
		if closed == "1" {
			continue
		}

		claimedAtRaw, _ := values[2].(string)

		claimedAt, err := parseUnixNano(claimedAtRaw)
		if err == nil && time.Since(claimedAt) < s.ClaimDuration {
			continue
		}

		body, _ := values[0].(string)

		var payload envelope.Payload
		if err := payload.UnmarshalJSON([]byte(body)); err != nil {
			continue
		}

		candidates = append(candidates, due{payload: payload, claimedAt: claimedAt})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].claimedAt.Before(candidates[j].claimedAt)
	})

	payloads := make([]envelope.Payload, len(candidates))
	for i, c := range candidates {
		payloads[i] = c.payload
	}

	return payloads, nil
}

func (s *Schedule) IsClosed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	closed, err := s.Client.HGet(ctx, s.entryKey(eventID), "closed").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return closed == "1", nil
}

func (s *Schedule) CloseEntry(ctx context.Context, eventID uuid.UUID) error {
	exists, err := s.Client.Exists(ctx, s.entryKey(eventID)).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return nil
	}

	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, s.entryKey(eventID), "closed", 1)
	pipe.ZRem(ctx, s.dueSetKey(), eventID.String())

	_, err = pipe.Exec(ctx)

	return err
}

var _ outbox.Schedule = (*Schedule)(nil)
