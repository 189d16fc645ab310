// Package sqlwork implements workunit.Unit over a *sqlx.Tx, the same
// "begin, hand the tx to the caller, commit on success, roll back
// otherwise" shape as the teacher's framework/database/sql.go
// WithTransaction, generalized to the workunit.Opener contract instead of
// a callback taking a contract.Database.
package sqlwork

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/studiolambda/relay/workunit"
)

// ErrNestedTransaction is returned when Open is called on an Opener with
// no *sqlx.DB to begin a transaction on, such as the zero Opener.
var ErrNestedTransaction = errors.New("relay: nested sql transaction")

// Unit wraps a *sqlx.Tx and exposes it to callers that need to issue
// further statements within the same transaction.
type Unit struct {
	Tx *sqlx.Tx

	committed bool
}

func (u *Unit) Rollback() {}

func (u *Unit) Committed() bool { return u.committed }

// Opener opens transactions against a *sqlx.DB. It satisfies
// workunit.Opener[*Unit].
type Opener struct {
	DB *sqlx.DB
}

// NewOpener wraps an established connection.
func NewOpener(db *sqlx.DB) Opener {
	return Opener{DB: db}
}

func (o Opener) Open(ctx context.Context) (*Unit, func() error, func() error, error) {
	if o.DB == nil {
		return nil, nil, nil, ErrNestedTransaction
	}

	tx, err := o.DB.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, nil, nil, err
	}

	unit := &Unit{Tx: tx}

	commit := func() error {
		if err := tx.Commit(); err != nil {
			return err
		}

		unit.committed = true

		return nil
	}

	rollback := func() error {
		err := tx.Rollback()
		if err != nil && errors.Is(err, sql.ErrTxDone) {
			return nil
		}

		return err
	}

	return unit, commit, rollback, nil
}

var _ workunit.Opener[*Unit] = Opener{}
