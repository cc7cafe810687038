package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/tablecall/internal/followup"
)

const followupColumns = `id, business_id, call_id, caller_hash, reason, summary, status, created_at, sent_at`

// SaveFollowup implements [followup.Store].
func (s *Store) SaveFollowup(ctx context.Context, r followup.Request) error {
	const q = `
		INSERT INTO whatsapp_followups (` + followupColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(ctx, q,
		r.ID,
		r.BusinessID,
		r.CallID,
		r.CallerHash,
		string(r.Reason),
		r.Summary,
		string(r.Status),
		r.CreatedAt,
		nullTime(r.SentAt),
	)
	if err != nil {
		return fmt.Errorf("postgres store: save followup: %w", err)
	}
	return nil
}

// Followup implements [followup.Store].
func (s *Store) Followup(ctx context.Context, id string) (followup.Request, error) {
	const q = `SELECT ` + followupColumns + ` FROM whatsapp_followups WHERE id = $1`
	rows, err := s.db.Query(ctx, q, id)
	if err != nil {
		return followup.Request{}, fmt.Errorf("postgres store: followup: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanFollowup)
	if errors.Is(err, pgx.ErrNoRows) {
		return followup.Request{}, fmt.Errorf("%w: %s", followup.ErrNotFound, id)
	}
	if err != nil {
		return followup.Request{}, fmt.Errorf("postgres store: scan followup: %w", err)
	}
	return r, nil
}

// UpdateFollowup implements [followup.Store].
func (s *Store) UpdateFollowup(ctx context.Context, id string, status followup.Status, sentAt time.Time) error {
	const q = `UPDATE whatsapp_followups SET status = $2, sent_at = $3 WHERE id = $1`
	tag, err := s.db.Exec(ctx, q, id, string(status), nullTime(sentAt))
	if err != nil {
		return fmt.Errorf("postgres store: update followup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", followup.ErrNotFound, id)
	}
	return nil
}

// PendingFollowups implements [followup.Store].
func (s *Store) PendingFollowups(ctx context.Context, since time.Time, limit int) ([]followup.Request, error) {
	const q = `
		SELECT ` + followupColumns + `
		FROM   whatsapp_followups
		WHERE  status = 'pending' AND created_at >= $1
		ORDER  BY created_at
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending followups: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanFollowup)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan followups: %w", err)
	}
	return out, nil
}

// WhatsAppOptedOut implements [followup.Store]. Unknown callers have not
// opted out.
func (s *Store) WhatsAppOptedOut(ctx context.Context, callerHash string) (bool, error) {
	const q = `SELECT whatsapp_opt_out FROM caller_preferences WHERE caller_hash = $1`
	var out bool
	err := s.db.QueryRow(ctx, q, callerHash).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: caller preferences: %w", err)
	}
	return out, nil
}

func scanFollowup(row pgx.CollectableRow) (followup.Request, error) {
	var (
		r              followup.Request
		reason, status string
		sentAt         *time.Time
	)
	if err := row.Scan(&r.ID, &r.BusinessID, &r.CallID, &r.CallerHash, &reason, &r.Summary,
		&status, &r.CreatedAt, &sentAt); err != nil {
		return followup.Request{}, err
	}
	r.Reason = followup.Reason(reason)
	r.Status = followup.Status(status)
	if sentAt != nil {
		r.SentAt = *sentAt
	}
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
