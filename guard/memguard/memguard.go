// Package memguard implements guard.IntegrityGuard in memory. It also
// implements guard.ExactlyOnceGuard, with a WithTransaction that simply
// runs its function, since there is no external store to be atomic with
// respect to.
package memguard

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
)

// Guard is an in-memory guard.ExactlyOnceGuard.
type Guard struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]int
	handled  map[uuid.UUID]guard.Guarantee
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{
		attempts: make(map[uuid.UUID]int),
		handled:  make(map[uuid.UUID]guard.Guarantee),
	}
}

func (g *Guard) IsDispatchForbidden(_ context.Context, eventID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.handled[eventID]

	return ok, nil
}

func (g *Guard) RecordDispatchAttempt(_ context.Context, payload envelope.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.attempts[payload.ID]++

	return nil
}

func (g *Guard) RecordCompletion(_ context.Context, payload envelope.Payload, guarantee guard.Guarantee) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.handled[payload.ID]; ok {
		return guard.ErrDuplicateCompletion
	}

	g.handled[payload.ID] = guarantee

	return nil
}

// WithTransaction just runs fn: there is no durable store here to roll
// back, and RecordCompletion already takes g.mu for its own atomicity, so
// there is nothing left for this method to make atomic. It exists only to
// satisfy guard.ExactlyOnceGuard.
func (g *Guard) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Attempts returns the number of recorded dispatch attempts for eventID,
// for use in tests asserting P1.
func (g *Guard) Attempts(eventID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.attempts[eventID]
}

var (
	_ guard.IntegrityGuard   = (*Guard)(nil)
	_ guard.ExactlyOnceGuard = (*Guard)(nil)
)
