// Package registry holds the subject → handler mapping the router
// consults on every inbound message. It is a sync.RWMutex-protected map,
// grounded on the teacher's framework/hook/manager.go callback-registry
// idiom, adapted from "ordered list of callbacks" to "one handler per
// subject under a guarantee and retry delay".
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
)

// ErrDuplicateRegistration is returned by On/MustOn when a subject is
// already bound to a handler.
var ErrDuplicateRegistration = errors.New("relay: subject already registered")

// ErrInvalidDelay is returned by On/MustOn when delayOnExc is not
// strictly positive.
var ErrInvalidDelay = errors.New("relay: delay_on_exc must be greater than zero")

// EventScheduler is the slice of scheduler.Scheduler a handler needs: the
// ability to re-enqueue its own payload after a delay. Handlers accept
// this narrow interface instead of the concrete scheduler type.
type EventScheduler interface {
	ScheduleEvent(ctx context.Context, payload envelope.Payload, delay time.Duration) error
}

// Handler processes a single delivered payload. It receives the
// scheduler so cooperative handlers can enqueue follow-up events of
// their own, matching handler(message, scheduler) from the routing
// contract.
type Handler func(ctx context.Context, payload envelope.Payload, sched EventScheduler) error

// Specification is what a subject is bound to: the handler, its
// delivery guarantee, and the retry delay applied on failure.
type Specification struct {
	Handler    Handler
	Guarantee  guard.Guarantee
	DelayOnExc time.Duration
}

// Registry is the subject → Specification mapping.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Specification
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]Specification)}
}

// On registers handler under every subject in subjects, returning
// ErrDuplicateRegistration if any of them already has a handler and
// ErrInvalidDelay if delayOnExc is not > 0. It matches the builder shape
// of registry.On(subjects, guarantee, delay).Handle(fn) by returning the
// function that accepts the handler.
func (r *Registry) On(subjects []string, guarantee guard.Guarantee, delayOnExc time.Duration) func(Handler) error {
	return func(handler Handler) error {
		if delayOnExc <= 0 {
			return ErrInvalidDelay
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, subject := range subjects {
			if _, ok := r.byID[subject]; ok {
				return ErrDuplicateRegistration
			}
		}

		spec := Specification{Handler: handler, Guarantee: guarantee, DelayOnExc: delayOnExc}

		for _, subject := range subjects {
			r.byID[subject] = spec
		}

		return nil
	}
}

// MustOn is On followed by a panic if registration fails: a programming
// error at startup wiring time, the same role the teacher's
// router.Get/Post duplicate-route panics play.
func (r *Registry) MustOn(subjects []string, guarantee guard.Guarantee, delayOnExc time.Duration) func(Handler) {
	register := r.On(subjects, guarantee, delayOnExc)

	return func(handler Handler) {
		if err := register(handler); err != nil {
			panic(err)
		}
	}
}

// Mapping returns a snapshot of the subject → Specification mapping. The
// returned map is a copy; mutating it has no effect on the registry.
func (r *Registry) Mapping() map[string]Specification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mapping := make(map[string]Specification, len(r.byID))
	for subject, spec := range r.byID {
		mapping[subject] = spec
	}

	return mapping
}
