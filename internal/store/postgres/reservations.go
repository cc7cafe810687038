package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/internal/reservation"
)

// ConfirmedOn implements [reservation.Repository].
func (s *Store) ConfirmedOn(ctx context.Context, businessID string, day time.Time) ([]reservation.Booking, error) {
	const q = `
		SELECT id, business_id, call_id, customer_name, caller_hash, party_size,
		       date, time, status, notes, created_at
		FROM   reservations
		WHERE  business_id = $1
		  AND  date = $2
		  AND  status = 'confirmed'
		ORDER  BY time`

	rows, err := s.db.Query(ctx, q, businessID, conversation.Day(day))
	if err != nil {
		return nil, fmt.Errorf("postgres store: confirmed on: %w", err)
	}
	bookings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (reservation.Booking, error) {
		var (
			b      reservation.Booking
			status string
		)
		err := row.Scan(&b.ID, &b.BusinessID, &b.CallID, &b.CustomerName, &b.CallerHash, &b.PartySize,
			&b.Date, &b.Time, &status, &b.Notes, &b.CreatedAt)
		b.Status = reservation.Status(status)
		b.Date = conversation.Day(b.Date)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan reservations: %w", err)
	}
	return bookings, nil
}

// Create implements [reservation.Repository].
func (s *Store) Create(ctx context.Context, b reservation.Booking) error {
	const q = `
		INSERT INTO reservations
		    (id, business_id, call_id, customer_name, caller_hash, party_size, date, time, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		b.ID,
		b.BusinessID,
		b.CallID,
		b.CustomerName,
		b.CallerHash,
		b.PartySize,
		conversation.Day(b.Date),
		b.Time,
		string(b.Status),
		b.Notes,
		b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create reservation: %w", err)
	}
	return nil
}

// LockBookings implements [reservation.Locker] with a transaction-scoped
// advisory lock keyed by business and day. The lock is held by an otherwise
// idle transaction until unlock rolls it back, so every tablecall instance
// sharing the database books one business and day at a time.
func (s *Store) LockBookings(ctx context.Context, businessID string, day time.Time) (func(), error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lock bookings: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), $2)`, businessID, dayKey(day)); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("postgres store: lock bookings: %w", err)
	}
	return func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}, nil
}

// dayKey packs day into the second advisory lock key, e.g. 20260315.
func dayKey(day time.Time) int32 {
	d := conversation.Day(day)
	return int32(d.Year()*10000 + int(d.Month())*100 + d.Day())
}
