// Package sqlbox implements outbox.Schedule over a SQL table via sqlx,
// following the teacher's framework/database/sql.go idiom of issuing each
// statement per call through sqlx's *Context helpers. The table shape is
// event_out from the specification's persisted state layout.
package sqlbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/outbox"
)

// Schedule implements outbox.Schedule against an event_out table. DB may
// be a *sqlx.DB or a *sqlx.Tx, so callers inside a workunit/sqlwork scope
// can pass the transaction directly.
type Schedule struct {
	DB            sqlx.ExtContext
	ClaimDuration time.Duration
}

// New wraps db (a *sqlx.DB or *sqlx.Tx) with the given claim duration.
func New(db sqlx.ExtContext, claimDuration time.Duration) *Schedule {
	return &Schedule{DB: db, ClaimDuration: claimDuration}
}

type row struct {
	EventID    string         `db:"event_id"`
	Body       []byte         `db:"body"`
	Confirmed  bool           `db:"confirmed"`
	SendAfter  sql.NullTime   `db:"send_after"`
	CreatedAt  time.Time      `db:"created_at"`
	ModifiedAt time.Time      `db:"modified_at"`
}

// AddClaimedEntry (re)claims the row for payload.ID. A handler retry
// reuses the original event_id, and the retry invariant requires the event
// durably re-queued and reopened before the original delivery is
// acknowledged, so a second call for an event_id that already has a
// (possibly confirmed) row must reopen it rather than leave it alone.
func (s *Schedule) AddClaimedEntry(ctx context.Context, payload envelope.Payload, dueAfter *time.Time) error {
	body, err := payload.MarshalJSON()
	if err != nil {
		return err
	}

	var sendAfter sql.NullTime
	if dueAfter != nil {
		sendAfter = sql.NullTime{Time: *dueAfter, Valid: true}
	}

	now := time.Now()

	_, err = sqlx.NamedExecContext(ctx, s.DB, `
		INSERT INTO event_out (event_id, body, confirmed, send_after, created_at, modified_at)
		VALUES (:event_id, :body, false, :send_after, :created_at, :modified_at)
		ON CONFLICT (event_id) DO UPDATE
		SET confirmed = false, send_after = EXCLUDED.send_after, created_at = EXCLUDED.created_at, modified_at = EXCLUDED.modified_at
	`, map[string]any{
		"event_id":    payload.ID.String(),
		"body":        body,
		"send_after":  sendAfter,
		"created_at":  now,
		"modified_at": now,
	})

	return err
}

func (s *Schedule) IsClaimed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var createdAt time.Time

	err := sqlx.GetContext(ctx, s.DB, &createdAt, `
		SELECT created_at FROM event_out WHERE event_id = $1
	`, eventID.String())

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return time.Since(createdAt) < s.ClaimDuration, nil
}

func (s *Schedule) DueNow(ctx context.Context) ([]envelope.Payload, error) {
	claimCutoff := time.Now().Add(-s.ClaimDuration)

	var rows []row

	err := sqlx.SelectContext(ctx, s.DB, &rows, `
		SELECT event_id, body, confirmed, send_after, created_at, modified_at
		FROM event_out
		WHERE confirmed = false
		  AND created_at <= $1
		  AND (send_after IS NULL OR send_after <= now())
		ORDER BY created_at ASC
	`, claimCutoff)
	if err != nil {
		return nil, err
	}

	payloads := make([]envelope.Payload, 0, len(rows))

	for _, r := range rows {
		var payload envelope.Payload
		if err := payload.UnmarshalJSON(r.Body); err != nil {
			return nil, err
		}

		payloads = append(payloads, payload)
	}

	return payloads, nil
}

func (s *Schedule) IsClosed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var confirmed bool

	err := sqlx.GetContext(ctx, s.DB, &confirmed, `
		SELECT confirmed FROM event_out WHERE event_id = $1
	`, eventID.String())

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	return confirmed, err
}

func (s *Schedule) CloseEntry(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_out SET confirmed = true, modified_at = now() WHERE event_id = $1
	`, eventID.String())

	return err
}

var _ outbox.Schedule = (*Schedule)(nil)
