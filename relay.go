// Package relay composes the event envelope, work unit, integrity guard,
// event schedule, scheduler, handler registry, broker and router into the
// cooperatively scheduled task graph the routing contract's lifespan
// composition names: a background group running the router, the
// scheduler's confirmation loop, the broker's send loop and the startup
// recovery sweep, plus the callback group of handler goroutines the
// router itself tracks.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/studiolambda/relay/broker"
	"github.com/studiolambda/relay/dispatch"
	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
	"github.com/studiolambda/relay/internal/taskgroup"
	"github.com/studiolambda/relay/outbox"
	"github.com/studiolambda/relay/registry"
	"github.com/studiolambda/relay/scheduler"
)

// ErrInvalidConfig is returned by Config.Validate when a duration or
// channel-size field is not strictly positive.
var ErrInvalidConfig = errors.New("relay: configuration field must be positive")

// Config carries the library's tunables. There is no env/file loader
// here on purpose: embedding applications own their own configuration
// loading and hand this library validated Go values, the same split the
// teacher's adapters draw between constructor arguments and whatever
// loads them.
type Config struct {
	// ClaimDuration must be positive for Validate to accept the config.
	// New does not pass it on: the claim window the recovery sweep honors
	// is the one the outbox.Schedule was constructed with (membox.New,
	// sqlbox.New, redisbox.New).
	ClaimDuration time.Duration

	// DefaultDelayOnExc must be positive for Validate to accept the
	// config. Nothing else reads it: registry.On takes every handler's
	// retry delay explicitly and applies no default.
	DefaultDelayOnExc time.Duration

	// OutboxChannelSize is the buffer size of the channel between the
	// scheduler and the broker's SendPayloadStream.
	OutboxChannelSize int

	// ConfirmationChannelSize is the buffer size of the channel the
	// broker uses to report publish confirmations back to the scheduler.
	ConfirmationChannelSize int
}

// Validate rejects non-positive durations and non-positive channel
// sizes, matching the guard clauses the teacher's constructors run
// before accepting a configuration (e.g. framework/cache/redis.go).
func (c Config) Validate() error {
	if c.ClaimDuration <= 0 {
		return ErrInvalidConfig
	}

	if c.DefaultDelayOnExc <= 0 {
		return ErrInvalidConfig
	}

	if c.OutboxChannelSize <= 0 {
		return ErrInvalidConfig
	}

	if c.ConfirmationChannelSize <= 0 {
		return ErrInvalidConfig
	}

	return nil
}

// Relay wires an event schedule, integrity guard, broker and handler
// registry into a running router plus the scheduler that feeds it.
type Relay struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Router    *dispatch.Router

	broker    broker.Broker
	sendCh    chan envelope.Payload
	confirmed chan envelope.Payload
	logger    zerolog.Logger
}

// New composes components A-G. Pass zerolog.Nop() for logger if the
// embedding application wants the library to stay silent.
func New(cfg Config, br broker.Broker, sched outbox.Schedule, grd guard.IntegrityGuard, reg *registry.Registry, logger zerolog.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sendCh := make(chan envelope.Payload, cfg.OutboxChannelSize)
	confirmedCh := make(chan envelope.Payload, cfg.ConfirmationChannelSize)

	sc := scheduler.New(sched, sendCh, confirmedCh, logger)
	router := dispatch.New(reg, br, grd, sc, logger)

	return &Relay{
		Registry:  reg,
		Scheduler: sc,
		Router:    router,
		logger:    logger,
		broker:    br,
		sendCh:    sendCh,
		confirmed: confirmedCh,
	}, nil
}

// Run starts the background group — the router, the scheduler's
// confirmation loop, the broker's send loop, and the startup recovery
// sweep — and blocks until ctx is cancelled and every background
// goroutine (plus every in-flight handler the router tracks) has exited.
// The recovery sweep runs concurrently with the broker's send loop, not
// before it, so a backlog larger than OutboxChannelSize drains instead of
// deadlocking the send channel at startup.
// It returns the first non-nil error any of them reported.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Msg("starting relay")

	group := taskgroup.New()

	group.Go(func() error { return r.Router.Run(ctx) })
	group.Go(func() error { return r.Scheduler.ReceiveConfirmations(ctx) })
	group.Go(func() error { return r.broker.SendPayloadStream(ctx, r.sendCh, r.confirmed) })
	group.Go(func() error {
		if err := r.Scheduler.ScheduleEveryOpenUnclaimedEntryDueNow(ctx); err != nil {
			r.logger.Error().Err(err).Msg("startup recovery sweep failed")

			return err
		}

		return nil
	})

	err := group.Wait()
	r.Scheduler.Wait()

	if err != nil && errors.Is(err, ctx.Err()) {
		r.logger.Info().Msg("relay stopped")

		return nil
	}

	return err
}
