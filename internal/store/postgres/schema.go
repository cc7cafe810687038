package postgres

import (
	"context"
	"fmt"
)

const ddlReservations = `
CREATE TABLE IF NOT EXISTS reservations (
    id             TEXT         PRIMARY KEY,
    business_id    TEXT         NOT NULL,
    call_id        TEXT         NOT NULL DEFAULT '',
    customer_name  TEXT         NOT NULL,
    caller_hash    TEXT         NOT NULL DEFAULT '',
    party_size     INTEGER      NOT NULL CHECK (party_size > 0),
    date           DATE         NOT NULL,
    time           TEXT         NOT NULL,
    status         TEXT         NOT NULL DEFAULT 'confirmed',
    notes          TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reservations_business_date
    ON reservations (business_id, date) WHERE status = 'confirmed';

CREATE INDEX IF NOT EXISTS idx_reservations_caller
    ON reservations (business_id, caller_hash);
`

const ddlCallLogs = `
CREATE TABLE IF NOT EXISTS call_logs (
    id           TEXT         PRIMARY KEY,
    business_id  TEXT         NOT NULL,
    caller_hash  TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    duration_ms  BIGINT       NOT NULL DEFAULT 0,
    outcome      TEXT         NOT NULL,
    phase        TEXT         NOT NULL DEFAULT '',
    turns        INTEGER      NOT NULL DEFAULT 0,
    barge_ins    INTEGER      NOT NULL DEFAULT 0,
    language     TEXT         NOT NULL DEFAULT '',
    transcript   TEXT,
    latency      JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_call_logs_caller
    ON call_logs (business_id, caller_hash);

CREATE INDEX IF NOT EXISTS idx_call_logs_started_at
    ON call_logs (started_at);
`

const ddlFollowups = `
CREATE TABLE IF NOT EXISTS whatsapp_followups (
    id           TEXT         PRIMARY KEY,
    business_id  TEXT         NOT NULL,
    call_id      TEXT         NOT NULL DEFAULT '',
    caller_hash  TEXT         NOT NULL DEFAULT '',
    reason       TEXT         NOT NULL,
    summary      TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    sent_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_whatsapp_followups_pending
    ON whatsapp_followups (created_at) WHERE status = 'pending';
`

const ddlCallerPreferences = `
CREATE TABLE IF NOT EXISTS caller_preferences (
    caller_hash          TEXT         PRIMARY KEY,
    whatsapp_opt_out     BOOLEAN      NOT NULL DEFAULT FALSE,
    transcript_opt_out   BOOLEAN      NOT NULL DEFAULT FALSE,
    first_seen           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen            TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the tables and indexes. It is idempotent and safe to call
// on every start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlReservations, ddlCallLogs, ddlFollowups, ddlCallerPreferences} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
