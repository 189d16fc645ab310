package dispatch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/relay/broker/membroker"
	"github.com/studiolambda/relay/dispatch"
	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
	"github.com/studiolambda/relay/guard/memguard"
	"github.com/studiolambda/relay/outbox/membox"
	"github.com/studiolambda/relay/registry"
	"github.com/studiolambda/relay/scheduler"
)

type harness struct {
	router   *dispatch.Router
	broker   *membroker.Broker
	registry *registry.Registry
	guard    *memguard.Guard
	sched    *scheduler.Scheduler
	cancel   context.CancelFunc
	done     chan error
	start    func()
}

// newHarness builds every collaborator and lets the caller register
// handlers via the returned harness's registry before starting the
// router with start(), matching the expectation (shared with the
// library this was ported from) that a registry's mapping is read once
// at the start of the dispatch loop.
func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	br := membroker.New()
	reg := registry.New()
	grd := memguard.New()

	sendCh := make(chan envelope.Payload, 16)
	confirmedCh := make(chan envelope.Payload, 16)
	store := membox.New(time.Hour)
	sched := scheduler.New(store, sendCh, confirmedCh, zerolog.Nop())

	go func() { _ = br.SendPayloadStream(ctx, sendCh, confirmedCh) }()
	go func() { _ = sched.ReceiveConfirmations(ctx) }()

	router := dispatch.New(reg, br, grd, sched, zerolog.Nop())

	done := make(chan error, 1)

	t.Cleanup(func() {
		cancel()
		<-done
		_ = br.Close()
	})

	h := &harness{router: router, broker: br, registry: reg, guard: grd, sched: sched, cancel: cancel, done: done}
	h.start = func() { go func() { done <- router.Run(ctx) }() }

	return h
}

func newPayload(subject string) envelope.Payload {
	return envelope.Payload{ID: uuid.New(), OccurredOn: time.Now(), Subject: subject, Body: map[string]any{}}
}

func TestHappyPathAtLeastOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var called atomic.Bool

	register := h.registry.On([]string{"order-placed"}, guard.AtLeastOnce, time.Second)
	require.NoError(t, register(func(_ context.Context, payload envelope.Payload, _ registry.EventScheduler) error {
		called.Store(true)

		return nil
	}))
	h.start()

	payload := newPayload("order-placed")
	require.NoError(t, h.sched.ScheduleEvent(ctx, payload, 0))

	require.Eventually(t, func() bool { return called.Load() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		forbidden, err := h.guard.IsDispatchForbidden(ctx, payload.ID)

		return err == nil && forbidden
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerFailureReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var attempts atomic.Int32

	register := h.registry.On([]string{"payment-failed"}, guard.AtLeastOnce, 10*time.Millisecond)
	require.NoError(t, register(func(_ context.Context, _ envelope.Payload, _ registry.EventScheduler) error {
		if attempts.Add(1) == 1 {
			return errors.New("boom")
		}

		return nil
	}))
	h.start()

	payload := newPayload("payment-failed")
	require.NoError(t, h.sched.ScheduleEvent(ctx, payload, 0))

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicateDeliveryIsAcknowledgedWithoutInvokingHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32

	register := h.registry.On([]string{"invoice-sent"}, guard.AtLeastOnce, time.Second)
	require.NoError(t, register(func(_ context.Context, _ envelope.Payload, _ registry.EventScheduler) error {
		calls.Add(1)

		return nil
	}))
	h.start()

	payload := newPayload("invoice-sent")
	require.NoError(t, h.guard.RecordCompletion(ctx, payload, guard.AtLeastOnce))
	require.NoError(t, h.sched.ScheduleEvent(ctx, payload, 0))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
}

func TestUnknownSubjectIsNeverDispatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start()

	payload := newPayload("nobody-listens")
	require.NoError(t, h.sched.ScheduleEvent(ctx, payload, 0))

	time.Sleep(100 * time.Millisecond)

	forbidden, err := h.guard.IsDispatchForbidden(ctx, payload.ID)
	require.NoError(t, err)
	require.False(t, forbidden, "an undelivered message should never be marked handled")
}
