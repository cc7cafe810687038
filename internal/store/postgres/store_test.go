package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/internal/followup"
	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/internal/reservation"
)

var (
	sunday  = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	created = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return mock, New(mock)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, _ := newMock(t)
	for _, table := range []string{"reservations", "call_logs", "whatsapp_followups", "caller_preferences"} {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + table).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	if err := Migrate(context.Background(), mock); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrate_Error(t *testing.T) {
	t.Parallel()

	mock, _ := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS reservations`).WillReturnError(errors.New("permission denied"))
	err := Migrate(context.Background(), mock)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Migrate err = %v", err)
	}
}

func TestStore_ConfirmedOn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		wantNames []string
		wantErr   bool
	}{
		{
			name: "rows",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM\s+reservations\s+WHERE\s+business_id = \$1\s+AND\s+date = \$2\s+AND\s+status = 'confirmed'`).
					WithArgs("spice-garden", sunday).
					WillReturnRows(pgxmock.NewRows([]string{"id", "business_id", "call_id", "customer_name", "caller_hash",
						"party_size", "date", "time", "status", "notes", "created_at"}).
						AddRow("r1", "spice-garden", "call-1", "Sharma", "h1", 4, sunday, "19:00", "confirmed", "", created).
						AddRow("r2", "spice-garden", "call-2", "Gupta", "h2", 2, sunday, "20:30", "confirmed", "window", created))
			},
			wantNames: []string{"Sharma", "Gupta"},
		},
		{
			name: "query error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM\s+reservations`).
					WithArgs("spice-garden", sunday).
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, st := newMock(t)
			tc.setupMock(mock)

			// A local time on the same calendar day selects the same date.
			got, err := st.ConfirmedOn(context.Background(), "spice-garden", sunday.Add(19*time.Hour))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ConfirmedOn err = %v, wantErr %v", err, tc.wantErr)
			}
			if len(got) != len(tc.wantNames) {
				t.Fatalf("got %d bookings, want %d", len(got), len(tc.wantNames))
			}
			for i, b := range got {
				if b.CustomerName != tc.wantNames[i] || b.Status != reservation.StatusConfirmed || !b.Date.Equal(sunday) {
					t.Errorf("booking %d = %+v", i, b)
				}
			}
		})
	}
}

func TestStore_Create(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	b := reservation.Booking{
		ID: "r1", BusinessID: "spice-garden", CallID: "call-1", CustomerName: "Sharma", CallerHash: "h1",
		PartySize: 4, Date: sunday, Time: "19:00", Status: reservation.StatusConfirmed, CreatedAt: created,
	}
	mock.ExpectExec(`INSERT INTO reservations`).
		WithArgs("r1", "spice-garden", "call-1", "Sharma", "h1", 4, sunday, "19:00", "confirmed", "", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := st.Create(context.Background(), b); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestStore_LockBookings(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("spice-garden", int32(20260315)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	unlock, err := st.LockBookings(context.Background(), "spice-garden", sunday.Add(19*time.Hour))
	if err != nil {
		t.Fatalf("LockBookings: %v", err)
	}
	unlock()
}

func TestStore_LockBookingsError(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	if _, err := st.LockBookings(context.Background(), "spice-garden", sunday); err == nil ||
		!strings.Contains(err.Error(), "lock bookings") {
		t.Errorf("LockBookings error = %v", err)
	}
}

func callRecord() callsession.Record {
	return callsession.Record{
		CallID:     "call-1",
		BusinessID: "spice-garden",
		CallerHash: "h1",
		StartedAt:  created,
		EndedAt:    created.Add(90 * time.Second),
		Duration:   90 * time.Second,
		Outcome:    pipeline.OutcomeResolved,
		Phase:      conversation.PhaseCompleted,
		Turns:      5,
		Language:   "hi",
		Transcript: "User: 4 log\nAssistant: Kis din?",
	}
}

func TestStore_RecordCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		optOut         *bool
		wantOutcome    string
		wantTranscript bool
	}{
		{name: "new caller", wantOutcome: "resolved", wantTranscript: true},
		{name: "recording allowed", optOut: new(bool), wantOutcome: "resolved", wantTranscript: true},
		{name: "opted out", optOut: func() *bool { b := true; return &b }(), wantOutcome: "privacy_opt_out"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, st := newMock(t)

			prefs := pgxmock.NewRows([]string{"transcript_opt_out"})
			if tc.optOut != nil {
				prefs.AddRow(*tc.optOut)
			}
			mock.ExpectQuery(`SELECT transcript_opt_out FROM caller_preferences`).WithArgs("h1").WillReturnRows(prefs)

			var transcript any = (*string)(nil)
			if tc.wantTranscript {
				transcript = pgxmock.AnyArg()
			}
			mock.ExpectExec(`INSERT INTO call_logs`).
				WithArgs("call-1", "spice-garden", "h1", created, created.Add(90*time.Second), int64(90000),
					tc.wantOutcome, "COMPLETED", 5, 0, "hi", transcript, pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec(`INSERT INTO caller_preferences`).
				WithArgs("h1", created).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))

			if err := st.RecordCall(context.Background(), callRecord()); err != nil {
				t.Fatalf("RecordCall: %v", err)
			}
		})
	}
}

func TestStore_RecordCallAnonymous(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	r := callRecord()
	r.CallerHash = ""
	mock.ExpectExec(`INSERT INTO call_logs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := st.RecordCall(context.Background(), r); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
}

func TestStore_CallerSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		calls     int
		lastParty int
		want      string
	}{
		{name: "first time", want: ""},
		{name: "calls only", calls: 2, want: "Returning caller: 2 previous calls."},
		{name: "with booking", calls: 3, lastParty: 4, want: "Returning caller: 3 previous calls. Last booking: party of 4 on 2026-03-15 at 19:00."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, st := newMock(t)
			mock.ExpectQuery(`SELECT count\(\*\) FROM call_logs`).
				WithArgs("spice-garden", "h1").
				WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(tc.calls))
			last := pgxmock.NewRows([]string{"party_size", "date", "time"})
			if tc.lastParty > 0 {
				last.AddRow(tc.lastParty, sunday, "19:00")
			}
			mock.ExpectQuery(`FROM\s+reservations\s+WHERE\s+business_id = \$1 AND caller_hash = \$2`).
				WithArgs("spice-garden", "h1").
				WillReturnRows(last)

			got, err := st.CallerSummary(context.Background(), "spice-garden", "h1")
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("CallerSummary = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStore_PurgeOlderThan(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	cutoff := created.Add(-RetentionPeriod)
	mock.ExpectExec(`DELETE FROM call_logs WHERE started_at < \$1`).WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec(`DELETE FROM whatsapp_followups WHERE created_at < \$1`).WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := st.PurgeOlderThan(context.Background(), cutoff)
	if err != nil || n != 9 {
		t.Fatalf("PurgeOlderThan = %d, %v; want 9", n, err)
	}
}

func followupRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "business_id", "call_id", "caller_hash", "reason", "summary", "status", "created_at", "sent_at"})
}

func TestStore_Followups(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	ctx := context.Background()
	r := followup.Request{
		ID: "f1", BusinessID: "spice-garden", CallID: "call-1", CallerHash: "h1",
		Reason: followup.ReasonCallbackRequest, Summary: "Operator transfer requested.",
		Status: followup.StatusPending, CreatedAt: created,
	}
	sent := created.Add(time.Minute)

	mock.ExpectExec(`INSERT INTO whatsapp_followups`).
		WithArgs("f1", "spice-garden", "call-1", "h1", "callback_request", "Operator transfer requested.", "pending", created, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM whatsapp_followups WHERE id = \$1`).WithArgs("f1").
		WillReturnRows(followupRows().AddRow("f1", "spice-garden", "call-1", "h1", "callback_request", "Operator transfer requested.", "sent", created, &sent))
	mock.ExpectQuery(`FROM whatsapp_followups WHERE id = \$1`).WithArgs("nope").
		WillReturnRows(followupRows())
	mock.ExpectExec(`UPDATE whatsapp_followups SET status = \$2, sent_at = \$3 WHERE id = \$1`).
		WithArgs("f1", "sent", &sent).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE whatsapp_followups`).
		WithArgs("nope", "expired", (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`WHERE\s+status = 'pending' AND created_at >= \$1`).
		WithArgs(created, 50).
		WillReturnRows(followupRows().AddRow("f1", "spice-garden", "call-1", "h1", "confirmation_cap", "", "pending", created, (*time.Time)(nil)))

	if err := st.SaveFollowup(ctx, r); err != nil {
		t.Fatalf("SaveFollowup: %v", err)
	}
	got, err := st.Followup(ctx, "f1")
	if err != nil {
		t.Fatalf("Followup: %v", err)
	}
	if got.Status != followup.StatusSent || !got.SentAt.Equal(sent) || got.Reason != followup.ReasonCallbackRequest {
		t.Errorf("Followup = %+v", got)
	}
	if _, err := st.Followup(ctx, "nope"); !errors.Is(err, followup.ErrNotFound) {
		t.Errorf("Followup unknown = %v, want ErrNotFound", err)
	}
	if err := st.UpdateFollowup(ctx, "f1", followup.StatusSent, sent); err != nil {
		t.Errorf("UpdateFollowup: %v", err)
	}
	if err := st.UpdateFollowup(ctx, "nope", followup.StatusExpired, time.Time{}); !errors.Is(err, followup.ErrNotFound) {
		t.Errorf("UpdateFollowup unknown = %v, want ErrNotFound", err)
	}
	pending, err := st.PendingFollowups(ctx, created, 50)
	if err != nil {
		t.Fatalf("PendingFollowups: %v", err)
	}
	if len(pending) != 1 || pending[0].Reason != followup.ReasonConfirmationCap || !pending[0].SentAt.IsZero() {
		t.Errorf("PendingFollowups = %+v", pending)
	}
}

func TestStore_WhatsAppOptedOut(t *testing.T) {
	t.Parallel()

	mock, st := newMock(t)
	mock.ExpectQuery(`SELECT whatsapp_opt_out FROM caller_preferences`).WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"whatsapp_opt_out"}).AddRow(true))
	mock.ExpectQuery(`SELECT whatsapp_opt_out FROM caller_preferences`).WithArgs("h2").
		WillReturnRows(pgxmock.NewRows([]string{"whatsapp_opt_out"}))

	if out, err := st.WhatsAppOptedOut(context.Background(), "h1"); err != nil || !out {
		t.Errorf("WhatsAppOptedOut(h1) = %v, %v", out, err)
	}
	if out, err := st.WhatsAppOptedOut(context.Background(), "h2"); err != nil || out {
		t.Errorf("WhatsAppOptedOut(h2) = %v, %v", out, err)
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := New(mock).Ping(context.Background()); err == nil {
		t.Error("Ping succeeded against a failing database")
	}
}
