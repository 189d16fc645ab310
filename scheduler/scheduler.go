// Package scheduler is the event schedule's in-process front door: it
// writes claimed entries, fans out delayed sends to the broker adapter
// over a bounded channel, runs the recovery sweep, and closes schedule
// entries as broker confirmations arrive. Grounded on
// cuemby-warren/pkg/scheduler/scheduler.go's logger-carrying,
// sync.WaitGroup-supervised loop shape, adapted from a periodic resource
// scheduler to the claim/confirm lifecycle in the routing contract.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox"
	"github.com/studiolambda/relay/workunit"
)

// ErrOutboxLeak is returned by ScheduleOutbox if an entity's outbox is
// non-empty after it has been cleared. Entity.Record already refuses
// writes once cleared, so this should be unreachable in practice; it is
// kept as a defensive check matching the persisted-state guarantee this
// library promises, the same way the library it was ported from asserted
// it after every clear_outbox call.
var ErrOutboxLeak = errors.New("relay: entity outbox non-empty after clearing")

// Scheduler is the in-memory front door to a persistent outbox.Schedule.
type Scheduler struct {
	Schedule outbox.Schedule
	Logger   zerolog.Logger

	sendCh         chan<- envelope.Payload
	confirmationCh <-chan envelope.Payload

	wg sync.WaitGroup
}

// New creates a Scheduler that writes due payloads onto sendCh (read by a
// broker.Broker's SendPayloadStream) and reads confirmations off
// confirmationCh (the same broker's confirmedCh).
func New(schedule outbox.Schedule, sendCh chan<- envelope.Payload, confirmationCh <-chan envelope.Payload, logger zerolog.Logger) *Scheduler {
	return &Scheduler{Schedule: schedule, Logger: logger, sendCh: sendCh, confirmationCh: confirmationCh}
}

// ScheduleEvent records a claimed entry due after delay, spawns a
// goroutine that sleeps delay then sends payload on the broker channel,
// and kicks off a recovery sweep. The in-memory fast path and the sweep
// overlap deliberately: broker confirmation, not either send attempt, is
// what closes the entry, so sending it twice is harmless.
func (s *Scheduler) ScheduleEvent(ctx context.Context, payload envelope.Payload, delay time.Duration) error {
	dueAfter := time.Now().Add(delay)

	if err := s.Schedule.AddClaimedEntry(ctx, payload, &dueAfter); err != nil {
		return err
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.enqueueAfterDelay(ctx, payload, delay)
	}()

	return s.ScheduleEveryOpenUnclaimedEntryDueNow(ctx)
}

func (s *Scheduler) enqueueAfterDelay(ctx context.Context, payload envelope.Payload, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	select {
	case <-ctx.Done():
	case s.sendCh <- payload:
	}
}

// ScheduleOutbox clears each entity's outbox (snapshotting under the
// entity's own lock) and schedules every event in the snapshot. Event
// timestamps, not insertion order, define logical order downstream.
func (s *Scheduler) ScheduleOutbox(ctx context.Context, entities ...*envelope.Entity) error {
	for _, entity := range entities {
		events := entity.ClearOutbox()

		for _, event := range events {
			payload, err := envelope.FromEvent(event)
			if err != nil {
				return err
			}

			if err := s.ScheduleEvent(ctx, payload, 0); err != nil {
				return err
			}
		}

		if len(entity.Outbox()) != 0 {
			return ErrOutboxLeak
		}
	}

	return nil
}

// ScheduleOutboxInWorkUnit opens a work unit, runs fn inside it, and on
// fn's successful return schedules the outbox of every entity before
// committing. If fn fails, nothing is scheduled and the unit is rolled
// back. The outbox entries are written through sched.Schedule, and the
// payloads handed to the broker channel, before the commit; they are part
// of the unit's transaction only when sched.Schedule writes through that
// same transaction, and a failed commit does not withdraw payloads
// already handed to the broker channel.
func ScheduleOutboxInWorkUnit[U workunit.Unit](
	ctx context.Context,
	opener workunit.Opener[U],
	sched *Scheduler,
	entities []*envelope.Entity,
	fn func(ctx context.Context, unit U) error,
) error {
	return workunit.Run(ctx, opener, func(ctx context.Context, unit U) error {
		if err := fn(ctx, unit); err != nil {
			return err
		}

		return sched.ScheduleOutbox(ctx, entities...)
	})
}

// ScheduleEveryOpenUnclaimedEntryDueNow is the recovery sweep: it submits
// every due entry straight to the broker channel without re-adding it to
// the schedule (it is already claimed there).
func (s *Scheduler) ScheduleEveryOpenUnclaimedEntryDueNow(ctx context.Context) error {
	due, err := s.Schedule.DueNow(ctx)
	if err != nil {
		return err
	}

	for _, payload := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.sendCh <- payload:
		}
	}

	return nil
}

// ReceiveConfirmations loops until ctx is cancelled or the confirmation
// channel closes, closing the corresponding schedule entry for every
// payload it receives.
func (s *Scheduler) ReceiveConfirmations(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-s.confirmationCh:
			if !ok {
				return nil
			}

			if err := s.Schedule.CloseEntry(ctx, payload.ID); err != nil {
				s.Logger.Error().Err(err).Str("event_id", payload.ID.String()).Msg("failed to close outbox entry")

				return err
			}
		}
	}
}

// Wait blocks until every goroutine spawned by ScheduleEvent has
// returned. Callers shut down by cancelling ctx and then calling Wait.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
