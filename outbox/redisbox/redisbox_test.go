package redisbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox/redisbox"
)

type widgetCreated struct {
	envelope.Base
	Name string `json:"name"`
}

func newSchedule(t *testing.T, claimDuration time.Duration) *redisbox.Schedule {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return redisbox.New(client, "relay:outbox", claimDuration)
}

func TestDueNowSkipsEntriesStillWithinTheirClaimWindow(t *testing.T) {
	sched := newSchedule(t, time.Hour)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))

	due, err := sched.DueNow(ctx)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDueNowReturnsEntriesWhoseClaimHasExpired(t *testing.T) {
	sched := newSchedule(t, time.Millisecond)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))

	time.Sleep(5 * time.Millisecond)

	due, err := sched.DueNow(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, payload.ID, due[0].ID)
}

func TestDueNowExcludesEntriesDueInTheFuture(t *testing.T) {
	sched := newSchedule(t, time.Hour)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, sched.AddClaimedEntry(ctx, payload, &future))

	due, err := sched.DueNow(ctx)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestCloseEntryMarksClosedAndRemovesFromDueSet(t *testing.T) {
	sched := newSchedule(t, time.Hour)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))
	require.NoError(t, sched.CloseEntry(ctx, payload.ID))

	closed, err := sched.IsClosed(ctx, payload.ID)
	require.NoError(t, err)
	require.True(t, closed)

	due, err := sched.DueNow(ctx)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestAddClaimedEntryReopensAClosedEntry(t *testing.T) {
	sched := newSchedule(t, time.Hour)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))
	require.NoError(t, sched.CloseEntry(ctx, payload.ID))

	closed, err := sched.IsClosed(ctx, payload.ID)
	require.NoError(t, err)
	require.True(t, closed)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))

	closed, err = sched.IsClosed(ctx, payload.ID)
	require.NoError(t, err)
	require.False(t, closed, "a retry must reopen the entry, not leave it closed from the original delivery")
}

func TestIsClaimedReflectsClaimDuration(t *testing.T) {
	sched := newSchedule(t, time.Millisecond)
	ctx := context.Background()

	payload, err := envelope.FromEvent(&widgetCreated{Base: envelope.NewBase(), Name: "bolt"})
	require.NoError(t, err)

	require.NoError(t, sched.AddClaimedEntry(ctx, payload, nil))

	claimed, err := sched.IsClaimed(ctx, payload.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(5 * time.Millisecond)

	claimed, err = sched.IsClaimed(ctx, payload.ID)
	require.NoError(t, err)
	require.False(t, claimed)
}
