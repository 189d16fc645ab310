package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox/membox"
	"github.com/studiolambda/relay/scheduler"
	"github.com/studiolambda/relay/workunit"
	"github.com/studiolambda/relay/workunit/memwork"
)

func newScheduler(sendCh chan envelope.Payload, confirmationCh chan envelope.Payload) (*scheduler.Scheduler, *membox.Schedule) {
	store := membox.New(time.Hour)

	return scheduler.New(store, sendCh, confirmationCh, zerolog.Nop()), store
}

func newPayload() envelope.Payload {
	return envelope.Payload{ID: uuid.New(), OccurredOn: time.Now(), Subject: "something-happened", Body: map[string]any{}}
}

func TestScheduleEventSendsOnChannelAfterDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendCh := make(chan envelope.Payload, 4)
	confirmationCh := make(chan envelope.Payload, 4)
	sched, _ := newScheduler(sendCh, confirmationCh)

	payload := newPayload()
	require.NoError(t, sched.ScheduleEvent(ctx, payload, 0))

	select {
	case sent := <-sendCh:
		require.Equal(t, payload.ID, sent.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload to be sent")
	}

	sched.Wait()
}

func TestScheduleOutboxSchedulesEveryEventInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendCh := make(chan envelope.Payload, 4)
	confirmationCh := make(chan envelope.Payload, 4)
	sched, _ := newScheduler(sendCh, confirmationCh)

	entity := envelope.NewEntity(uuid.New())
	require.NoError(t, entity.Record(&somethingHappened{Base: envelope.NewBase()}))
	require.NoError(t, entity.Record(&somethingHappened{Base: envelope.NewBase()}))

	require.NoError(t, sched.ScheduleOutbox(ctx, entity))
	require.Empty(t, entity.Outbox())

	for i := 0; i < 2; i++ {
		select {
		case <-sendCh:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	sched.Wait()
}

func TestReceiveConfirmationsClosesScheduleEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendCh := make(chan envelope.Payload, 4)
	confirmationCh := make(chan envelope.Payload, 4)
	sched, store := newScheduler(sendCh, confirmationCh)

	payload := newPayload()
	require.NoError(t, store.AddClaimedEntry(ctx, payload, nil))

	done := make(chan error, 1)

	go func() {
		done <- sched.ReceiveConfirmations(ctx)
	}()

	confirmationCh <- payload

	require.Eventually(t, func() bool {
		closed, err := store.IsClosed(ctx, payload.ID)

		return err == nil && closed
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestScheduleOutboxInWorkUnitRollbackLeavesNoTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendCh := make(chan envelope.Payload, 4)
	confirmationCh := make(chan envelope.Payload, 4)
	sched, store := newScheduler(sendCh, confirmationCh)

	entity := envelope.NewEntity(uuid.New())
	first := &somethingHappened{Base: envelope.NewBase()}
	second := &somethingHappened{Base: envelope.NewBase()}
	require.NoError(t, entity.Record(first))
	require.NoError(t, entity.Record(second))

	err := scheduler.ScheduleOutboxInWorkUnit(ctx, memwork.Opener{}, sched, []*envelope.Entity{entity},
		func(_ context.Context, _ *memwork.Unit) error {
			return workunit.ErrInterrupted
		})
	require.NoError(t, err, "ErrInterrupted is swallowed by workunit.Run")

	require.Len(t, entity.Outbox(), 2, "outbox must not be cleared when the scope aborts")

	for _, ev := range []envelope.Event{first, second} {
		claimed, err := store.IsClaimed(ctx, ev.EventID())
		require.NoError(t, err)
		require.False(t, claimed, "no schedule entry should exist for an aborted scope")
	}

	select {
	case p := <-sendCh:
		t.Fatalf("unexpected payload sent to broker channel: %v", p.ID)
	default:
	}

	sched.Wait()
}

type somethingHappened struct {
	envelope.Base
}
