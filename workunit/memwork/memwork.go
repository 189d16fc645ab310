// Package memwork implements workunit.Unit over nothing in particular: it
// is the transaction for in-memory stores (membox, memguard) and for
// tests, where "atomic" is free because there is no concurrent external
// observer to fool.
package memwork

import (
	"context"

	"github.com/studiolambda/relay/workunit"
)

// Unit is a no-op work unit that just tracks whether it was committed.
type Unit struct {
	committed bool
}

func (u *Unit) Rollback() {}

func (u *Unit) Committed() bool { return u.committed }

// Opener opens memwork.Unit values. The zero value is ready to use.
type Opener struct{}

func (Opener) Open(_ context.Context) (*Unit, func() error, func() error, error) {
	unit := &Unit{}

	commit := func() error {
		unit.committed = true

		return nil
	}

	rollback := func() error {
		unit.committed = false

		return nil
	}

	return unit, commit, rollback, nil
}

var _ workunit.Opener[*Unit] = Opener{}
