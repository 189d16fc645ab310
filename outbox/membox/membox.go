// Package membox implements outbox.Schedule in memory. It backs the
// scheduler's own tests and is suitable for single-process deployments
// where the outbox does not need to survive a restart.
package membox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox"
)

type entry struct {
	payload   envelope.Payload
	claimedAt time.Time
	dueAfter  *time.Time
	closed    bool
}

// Schedule is an in-memory outbox.Schedule. ClaimDuration controls when an
// unconfirmed claim is considered expired and eligible for re-emission by
// DueNow.
type Schedule struct {
	ClaimDuration time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
}

// New creates an empty schedule with the given claim duration.
func New(claimDuration time.Duration) *Schedule {
	return &Schedule{
		ClaimDuration: claimDuration,
		entries:       make(map[uuid.UUID]*entry),
	}
}

// AddClaimedEntry (re)claims the entry for payload.ID, resetting claimedAt,
// dueAfter and closed even if an entry already exists. A handler retry
// reuses the original event_id, and the retry invariant requires the event
// durably re-queued and reopened before the original delivery is
// acknowledged — so a second call for the same ID must reopen the entry,
// not no-op against whatever state the first delivery left it in.
func (s *Schedule) AddClaimedEntry(_ context.Context, payload envelope.Payload, dueAfter *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[payload.ID]; !exists {
		s.order = append(s.order, payload.ID)
	}

	s.entries[payload.ID] = &entry{
		payload:   payload,
		claimedAt: time.Now(),
		dueAfter:  dueAfter,
	}

	return nil
}

func (s *Schedule) IsClaimed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return false, nil
	}

	return time.Since(e.claimedAt) < s.ClaimDuration, nil
}

func (s *Schedule) DueNow(_ context.Context) ([]envelope.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	type due struct {
		payload   envelope.Payload
		claimedAt time.Time
	}

	var candidates []due

	for _, id := range s.order {
		e := s.entries[id]

		if e.closed {
			continue
		}

		claimExpired := time.Since(e.claimedAt) >= s.ClaimDuration
		if !claimExpired {
			continue
		}

		if e.dueAfter != nil && e.dueAfter.After(now) {
			continue
		}

		candidates = append(candidates, due{payload: e.payload, claimedAt: e.claimedAt})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].claimedAt.Before(candidates[j].claimedAt)
	})

	payloads := make([]envelope.Payload, len(candidates))
	for i, c := range candidates {
		payloads[i] = c.payload
	}

	return payloads, nil
}

func (s *Schedule) IsClosed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return false, nil
	}

	return e.closed, nil
}

func (s *Schedule) CloseEntry(_ context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[eventID]; ok {
		e.closed = true
	}

	return nil
}

var _ outbox.Schedule = (*Schedule)(nil)
