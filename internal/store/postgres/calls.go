package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/pipeline"
)

// RetentionPeriod is how long call records and followups are kept.
const RetentionPeriod = 90 * 24 * time.Hour

type latencyJSON struct {
	STT callsession.Latency `json:"stt"`
	LLM callsession.Latency `json:"llm"`
	TTS callsession.Latency `json:"tts"`
}

// RecordCall implements [callsession.Recorder]. For callers who opted out
// of recording the transcript is dropped and the outcome is stored as
// [pipeline.OutcomePrivacyOptOut]. The caller's last-seen time is updated.
func (s *Store) RecordCall(ctx context.Context, r callsession.Record) error {
	if r.CallerHash != "" {
		optOut, err := s.transcriptOptOut(ctx, r.CallerHash)
		if err != nil {
			return err
		}
		if optOut {
			r.Transcript = ""
			r.Outcome = pipeline.OutcomePrivacyOptOut
		}
	}

	latency, err := json.Marshal(latencyJSON{STT: r.STT, LLM: r.LLM, TTS: r.TTS})
	if err != nil {
		return fmt.Errorf("postgres store: encode latency: %w", err)
	}
	var transcript *string
	if r.Transcript != "" {
		transcript = &r.Transcript
	}

	const q = `
		INSERT INTO call_logs
		    (id, business_id, caller_hash, started_at, ended_at, duration_ms, outcome,
		     phase, turns, barge_ins, language, transcript, latency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    ended_at    = EXCLUDED.ended_at,
		    duration_ms = EXCLUDED.duration_ms,
		    outcome     = EXCLUDED.outcome,
		    phase       = EXCLUDED.phase,
		    turns       = EXCLUDED.turns,
		    barge_ins   = EXCLUDED.barge_ins,
		    language    = EXCLUDED.language,
		    transcript  = EXCLUDED.transcript,
		    latency     = EXCLUDED.latency`

	_, err = s.db.Exec(ctx, q,
		r.CallID,
		r.BusinessID,
		r.CallerHash,
		r.StartedAt,
		r.EndedAt,
		r.Duration.Milliseconds(),
		string(r.Outcome),
		r.Phase.String(),
		r.Turns,
		r.BargeIns,
		r.Language,
		transcript,
		latency,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record call: %w", err)
	}

	if r.CallerHash == "" {
		return nil
	}
	const seen = `
		INSERT INTO caller_preferences (caller_hash, first_seen, last_seen)
		VALUES ($1, $2, $2)
		ON CONFLICT (caller_hash) DO UPDATE SET last_seen = EXCLUDED.last_seen`
	if _, err := s.db.Exec(ctx, seen, r.CallerHash, r.StartedAt); err != nil {
		return fmt.Errorf("postgres store: caller seen: %w", err)
	}
	return nil
}

func (s *Store) transcriptOptOut(ctx context.Context, callerHash string) (bool, error) {
	const q = `SELECT transcript_opt_out FROM caller_preferences WHERE caller_hash = $1`
	var optOut bool
	err := s.db.QueryRow(ctx, q, callerHash).Scan(&optOut)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: caller preferences: %w", err)
	}
	return optOut, nil
}

// CallerSummary implements [callsession.CallerHistory]. It returns "" for
// first-time callers.
func (s *Store) CallerSummary(ctx context.Context, businessID, callerHash string) (string, error) {
	const calls = `SELECT count(*) FROM call_logs WHERE business_id = $1 AND caller_hash = $2`
	var n int
	if err := s.db.QueryRow(ctx, calls, businessID, callerHash).Scan(&n); err != nil {
		return "", fmt.Errorf("postgres store: count calls: %w", err)
	}

	const last = `
		SELECT party_size, date, time
		FROM   reservations
		WHERE  business_id = $1 AND caller_hash = $2
		ORDER  BY created_at DESC
		LIMIT  1`
	var (
		party int
		day   time.Time
		hhmm  string
	)
	err := s.db.QueryRow(ctx, last, businessID, callerHash).Scan(&party, &day, &hhmm)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if n == 0 {
			return "", nil
		}
		return fmt.Sprintf("Returning caller: %d previous calls.", n), nil
	case err != nil:
		return "", fmt.Errorf("postgres store: last reservation: %w", err)
	}
	return fmt.Sprintf("Returning caller: %d previous calls. Last booking: party of %d on %s at %s.",
		n, party, day.Format(time.DateOnly), hhmm), nil
}

// PurgeOlderThan deletes call records and followups created before cutoff
// and returns the number of rows removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM call_logs WHERE started_at < $1`,
		`DELETE FROM whatsapp_followups WHERE created_at < $1`,
	} {
		tag, err := s.db.Exec(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("postgres store: purge: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
