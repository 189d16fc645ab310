package envelope

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrOutboxWriteAfterClear is returned when an event is appended to an
// Entity's outbox after it has already been cleared within the same
// scheduling scope. Clearing snapshots the outbox for publication; writing
// to it afterwards would silently lose the event.
var ErrOutboxWriteAfterClear = errors.New("relay: writing to outbox after clearing loses events")

// Entity is a domain object with identity and an append-only outbox of
// pending events. It must be created with NewEntity.
type Entity struct {
	id uuid.UUID

	mu      sync.Mutex
	outbox  []Event
	cleared bool
}

// NewEntity creates an entity with the given identity and an empty
// outbox.
func NewEntity(id uuid.UUID) *Entity {
	return &Entity{id: id}
}

// ID returns the entity's identity.
func (e *Entity) ID() uuid.UUID {
	return e.id
}

// Record appends an event to the entity's outbox. It returns
// ErrOutboxWriteAfterClear if the outbox was already cleared within the
// current scheduling scope.
func (e *Entity) Record(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cleared {
		return ErrOutboxWriteAfterClear
	}

	e.outbox = append(e.outbox, event)

	return nil
}

// Outbox returns a snapshot of the currently pending events without
// clearing them.
func (e *Entity) Outbox() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Event(nil), e.outbox...)
}

// ClearOutbox atomically snapshots and empties the outbox, and marks the
// entity so that any further Record call within the same scope fails
// instead of silently losing the event.
func (e *Entity) ClearOutbox() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := e.outbox
	e.outbox = nil
	e.cleared = true

	return events
}

// reopen allows the entity to accept writes again; it is used once a
// scheduling scope has finished and the entity returns to normal service.
func (e *Entity) reopen() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cleared = false
}

// Reopen re-enables writes to the outbox after a scheduling scope has
// completed. Callers that keep long-lived entities across multiple
// scheduling scopes should call this once the scope they scheduled the
// entity in has exited.
func (e *Entity) Reopen() {
	e.reopen()
}
