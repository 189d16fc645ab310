// Package outbox defines the persistent claimed-entry schedule that backs
// the event router's outbox: every event that has been claimed for
// delivery but not yet confirmed by the broker lives here.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/studiolambda/relay/envelope"
)

// Entry is the persisted record of one scheduled event.
type Entry struct {
	EventID    uuid.UUID
	Payload    envelope.Payload
	ClaimedAt  time.Time
	DueAfter   *time.Time
	Closed     bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Schedule is the persistent outbox contract. Implementations must make
// AddClaimedEntry idempotent on EventID and CloseEntry idempotent, per the
// specification's invariants I1-I2.
type Schedule interface {
	// AddClaimedEntry inserts a claimed, open entry for payload. dueAfter
	// may be nil, meaning "immediately". Calling it again for an event ID
	// that already has an entry re-claims and reopens that one entry
	// (fresh claim time, the new dueAfter, closed reset to false) rather
	// than adding a second one.
	AddClaimedEntry(ctx context.Context, payload envelope.Payload, dueAfter *time.Time) error

	// IsClaimed reports whether an entry exists for eventID whose claim
	// has not yet expired (claimedAt + claimDuration > now).
	IsClaimed(ctx context.Context, eventID uuid.UUID) (bool, error)

	// DueNow returns every open entry that is unclaimed or whose claim
	// has expired, and whose DueAfter has passed (or is nil), ordered by
	// ClaimedAt ascending.
	DueNow(ctx context.Context) ([]envelope.Payload, error)

	// IsClosed reports whether the entry for eventID has been closed.
	IsClosed(ctx context.Context, eventID uuid.UUID) (bool, error)

	// CloseEntry marks the entry for eventID as closed. It is a no-op if
	// the entry is already closed or does not exist.
	CloseEntry(ctx context.Context, eventID uuid.UUID) error
}
