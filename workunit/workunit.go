// Package workunit models a scoped atomic transaction over a backing
// store. A Unit is opened, handed to a function, and committed on normal
// return or rolled back when the function returns an error (including
// ErrInterrupted) or panics.
package workunit

import (
	"context"
	"errors"
)

// ErrInterrupted is the sentinel a scope body returns to request a
// rollback without treating it as a domain error. It is swallowed by Run;
// callers should never need to check for it themselves, and wrapping it
// further defeats the purpose (mirrors the Python library's InterruptWork,
// which callers are told never to catch).
var ErrInterrupted = errors.New("relay: work unit interrupted")

// Unit is the capability a scope body gets while the transaction is open.
type Unit interface {
	// Rollback has no effect on the outcome in the shipped implementations
	// (memwork, sqlwork): Run does not consult it, and a scope body that
	// calls it and then returns nil is committed. A scope body rolls the
	// unit back by returning workunit.ErrInterrupted.
	Rollback()

	// Committed reports whether the unit was committed, valid only after
	// the scope has exited.
	Committed() bool
}

// Opener begins a new Unit scoped to ctx. Implementations return a Unit
// together with a commit and a rollback function; Run calls exactly one
// of them before returning.
type Opener[U Unit] interface {
	Open(ctx context.Context) (unit U, commit func() error, rollback func() error, err error)
}

// Run opens a unit via opener, calls fn with it, and commits on normal
// return or rolls back if fn returns ErrInterrupted, any other error, or
// panics. Panics are re-raised after the rollback runs.
func Run[U Unit](ctx context.Context, opener Opener[U], fn func(ctx context.Context, unit U) error) (err error) {
	unit, commit, rollback, err := opener.Open(ctx)
	if err != nil {
		return err
	}

	exited := false

	defer func() {
		if r := recover(); r != nil {
			_ = rollback()
			panic(r)
		}

		if !exited {
			_ = rollback()
		}
	}()

	if err := fn(ctx, unit); err != nil {
		exited = true

		if rerr := rollback(); rerr != nil {
			return rerr
		}

		if errors.Is(err, ErrInterrupted) {
			return nil
		}

		return err
	}

	if err := commit(); err != nil {
		exited = true

		return err
	}

	exited = true

	return nil
}
