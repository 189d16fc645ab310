// Package dispatch implements the inbound side of the router: for every
// message the broker delivers it consults the integrity guard, looks up
// a handler by subject, and runs the handler inside the guarantee scope,
// rescheduling through the outbox on failure. Named dispatch, not router,
// to avoid clashing with the teacher's HTTP router package of the same
// name.
package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/studiolambda/relay/broker"
	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
	"github.com/studiolambda/relay/registry"
	"github.com/studiolambda/relay/scheduler"
)

// Router drains a broker's message stream and dispatches each delivery to
// its registered handler under the handler's configured guarantee.
type Router struct {
	Registry  *registry.Registry
	Broker    broker.Broker
	Guard     guard.IntegrityGuard
	Scheduler *scheduler.Scheduler
	Logger    zerolog.Logger

	wg sync.WaitGroup
}

// New wires a Router over its collaborators.
func New(reg *registry.Registry, br broker.Broker, grd guard.IntegrityGuard, sched *scheduler.Scheduler, logger zerolog.Logger) *Router {
	return &Router{Registry: reg, Broker: br, Guard: grd, Scheduler: sched, Logger: logger}
}

// Run drains the broker's message stream until ctx is cancelled or the
// stream closes, dispatching each accepted message to its own goroutine
// and waiting for every in-flight handler to finish before returning.
func (r *Router) Run(ctx context.Context) error {
	messages, err := r.Broker.Receive(ctx)
	if err != nil {
		return err
	}

	mapping := r.Registry.Mapping()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()

			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				r.wg.Wait()

				return nil
			}

			r.dispatch(ctx, msg, mapping)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg broker.Message, mapping map[string]registry.Specification) {
	payload := msg.Payload()

	forbidden, err := r.Guard.IsDispatchForbidden(ctx, payload.ID)
	if err != nil {
		r.Logger.Error().Err(err).Str("event_id", payload.ID.String()).Msg("failed to check dispatch forbidden")

		return
	}

	if forbidden {
		msg.Acknowledge()

		return
	}

	spec, ok := mapping[payload.Subject]
	if !ok {
		// Unknown subjects stay unacknowledged so another consumer (or a
		// future registration) can pick them up.
		return
	}

	if err := r.Guard.RecordDispatchAttempt(ctx, payload); err != nil {
		r.Logger.Error().Err(err).Str("event_id", payload.ID.String()).Msg("failed to record dispatch attempt")

		return
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		r.handleWithRetry(ctx, msg, spec)
	}()
}

// handleWithRetry runs spec.Handler inside the guarantee scope. On
// failure it reschedules the payload through the outbox before
// acknowledging, so the event is durably re-queued before the broker
// releases the original delivery, then logs the error for supervision.
func (r *Router) handleWithRetry(ctx context.Context, msg broker.Message, spec registry.Specification) {
	payload := msg.Payload()

	err := guard.RunGuarded(ctx, spec.Guarantee, r.Guard, msg, func(ctx context.Context, payload envelope.Payload) error {
		return spec.Handler(ctx, payload, r.Scheduler)
	})
	if err == nil {
		return
	}

	if scheduleErr := r.Scheduler.ScheduleEvent(ctx, payload, spec.DelayOnExc); scheduleErr != nil {
		r.Logger.Error().Err(scheduleErr).Str("event_id", payload.ID.String()).Msg("failed to reschedule failed handler")
	}

	msg.Acknowledge()

	r.Logger.Error().Err(err).Str("event_id", payload.ID.String()).Str("subject", payload.Subject).Msg("handler failed, rescheduled")
}
