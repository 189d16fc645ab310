// Package sqlguard implements guard.IntegrityGuard over the two inbox
// tables from the specification's persisted state layout
// (dispatched_event, handled_event), using sqlx's per-call
// GetContext/ExecContext helpers in the style of the teacher's
// framework/database/sql.go. It targets Postgres specifically (ON
// CONFLICT upserts, JSONB columns, unique-violation detection via
// github.com/lib/pq's error code), matching the Postgres-first choice
// made throughout the example pack.
package sqlguard

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
)

// Guard implements guard.ExactlyOnceGuard against dispatched_event and
// handled_event tables.
type Guard struct {
	DB *sqlx.DB
}

// New wraps an established connection.
func New(db *sqlx.DB) *Guard {
	return &Guard{DB: db}
}

// querier is whatever sqlwork.Unit.Tx or Guard.DB can offer; it lets
// RecordCompletion run against either the pooled connection or an
// in-flight transaction pulled out of ctx by WithTransaction.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type txKey struct{}

// TxFromContext returns the *sqlx.Tx a call to WithTransaction stashed in
// ctx, if any. A handler registered against a Guard-backed relay can call
// this to route its own writes through the same transaction RecordCompletion
// runs in, which is what makes EXACTLY_ONCE an actual transactional
// guarantee rather than two independent writes that can diverge on a crash.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)

	return tx, ok
}

func (g *Guard) querier(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}

	return g.DB
}

func (g *Guard) IsDispatchForbidden(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var count int

	err := g.querier(ctx).GetContext(ctx, &count, `
		SELECT count(*) FROM handled_event WHERE event_id = $1
	`, eventID.String())
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func (g *Guard) RecordDispatchAttempt(ctx context.Context, payload envelope.Payload) error {
	body, err := payload.MarshalJSON()
	if err != nil {
		return err
	}

	_, err = g.querier(ctx).ExecContext(ctx, `
		INSERT INTO dispatched_event (event_id, body, attempt_count, created_at, modified_at)
		VALUES ($1, $2, 1, now(), now())
		ON CONFLICT (event_id) DO UPDATE
		SET attempt_count = dispatched_event.attempt_count + 1, modified_at = now()
	`, payload.ID.String(), body)

	return err
}

func (g *Guard) RecordCompletion(ctx context.Context, payload envelope.Payload, guarantee guard.Guarantee) error {
	body, err := payload.MarshalJSON()
	if err != nil {
		return err
	}

	_, err = g.querier(ctx).ExecContext(ctx, `
		INSERT INTO handled_event (event_id, body, guarantee, created_at, modified_at)
		VALUES ($1, $2, $3, now(), now())
	`, payload.ID.String(), body, string(guarantee))

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return guard.ErrDuplicateCompletion
	}

	return err
}

// WithTransaction opens a *sqlx.Tx, stashes it in ctx so RecordCompletion
// (and a handler reusing the same ctx for its own writes) target it, and
// commits on success or rolls back otherwise, following the same
// begin/commit/rollback shape as workunit/sqlwork.
func (g *Guard) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := g.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

var (
	_ guard.IntegrityGuard   = (*Guard)(nil)
	_ guard.ExactlyOnceGuard = (*Guard)(nil)
)
