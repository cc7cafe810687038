package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// Reason explains why a slot is unavailable. The zero value means available.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPartyTooSmall
	ReasonPartyTooLarge
	ReasonTooSoon
	ReasonTooFar
	ReasonClosed
	ReasonInvalidHours
	ReasonOutsideHours
	ReasonCapacityFull
)

var reasonNames = [...]string{
	ReasonNone:          "",
	ReasonPartyTooSmall: "party_size_too_small",
	ReasonPartyTooLarge: "party_size_too_large",
	ReasonTooSoon:       "too_soon",
	ReasonTooFar:        "too_far",
	ReasonClosed:        "closed",
	ReasonInvalidHours:  "invalid_hours",
	ReasonOutsideHours:  "outside_hours",
	ReasonCapacityFull:  "capacity_full",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// Availability is the outcome of [Engine.Check]. Reason is set if and only if
// Available is false. Seat counts are filled once the capacity check ran.
type Availability struct {
	Available  bool
	Reason     Reason
	UsedSeats  int
	TotalSeats int
}

func unavailable(r Reason) Availability {
	return Availability{Reason: r}
}

// Status is the lifecycle state of a stored booking.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// Booking is a stored reservation.
type Booking struct {
	ID         string
	BusinessID string
	CallID     string

	CustomerName string

	// CallerHash is the keyed hash of the caller's number, never the number.
	CallerHash string

	PartySize int

	// Date is the calendar day at midnight UTC.
	Date time.Time

	// Time is the local start time, "HH:MM".
	Time string

	Status    Status
	Notes     string
	CreatedAt time.Time
}

// Repository stores bookings.
type Repository interface {
	// ConfirmedOn returns the confirmed bookings of businessID on day.
	ConfirmedOn(ctx context.Context, businessID string, day time.Time) ([]Booking, error)

	// Create stores b.
	Create(ctx context.Context, b Booking) error
}

// Slot is an alternative booking time.
type Slot struct {
	Date           time.Time
	Time           string
	AvailableSeats int
}

// alternativeOffsets are probed in this order. Callers present the first hits
// verbatim, so the order is part of the behaviour.
var alternativeOffsets = []time.Duration{
	-60 * time.Minute,
	-30 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	90 * time.Minute,
	120 * time.Minute,
}

// Alternatives outside this window of the day are never offered.
const (
	earliestAlternative = 11 * 60
	latestAlternative   = 21 * 60
)

// DefaultAlternatives is the number of alternatives offered on a full slot.
const DefaultAlternatives = 2

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithRules sets the booking rules. Zero fields take [DefaultRules] values;
// see [Rules.WithDefaults].
func WithRules(r Rules) EngineOption {
	return func(e *Engine) { e.rules = r }
}

// WithHours sets the weekly operating hours. Default: [DefaultHours].
func WithHours(h Hours) EngineOption {
	return func(e *Engine) { e.hours = h }
}

// WithLocation sets the business time zone. Default: Asia/Kolkata.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) { e.loc = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine checks availability for one business. It is safe for concurrent use;
// every check reads current bookings from the repository.
type Engine struct {
	businessID string
	repo       Repository
	rules      Rules
	hours      Hours
	loc        *time.Location
	now        func() time.Time
}

// NewEngine creates an Engine for businessID backed by repo.
func NewEngine(businessID string, repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		businessID: businessID,
		repo:       repo,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.rules = e.rules.WithDefaults()
	if e.hours == nil {
		e.hours = DefaultHours()
	}
	if e.loc == nil {
		loc, err := time.LoadLocation("Asia/Kolkata")
		if err != nil {
			loc = time.UTC
		}
		e.loc = loc
	}
	return e
}

// BusinessID returns the business the engine checks for.
func (e *Engine) BusinessID() string { return e.businessID }

// Rules returns the effective rules.
func (e *Engine) Rules() Rules { return e.rules }

// Hours returns the weekly operating hours.
func (e *Engine) Hours() Hours { return e.hours }

// Location returns the business time zone.
func (e *Engine) Location() *time.Location { return e.loc }

// Now returns the current time in the business time zone.
func (e *Engine) Now() time.Time { return e.now().In(e.loc) }

// Check reports whether partySize guests can be seated on day at hhmm. Checks
// run in order: party size, advance window, operating hours, capacity. An
// error is returned only for malformed input or repository failures.
func (e *Engine) Check(ctx context.Context, day time.Time, hhmm string, partySize int) (Availability, error) {
	if partySize < e.rules.MinPartySize {
		return unavailable(ReasonPartyTooSmall), nil
	}
	if partySize > e.rules.MaxPhonePartySize {
		return unavailable(ReasonPartyTooLarge), nil
	}

	minute, err := clockMinutes(hhmm)
	if err != nil {
		return Availability{}, err
	}
	start := e.at(day, minute)

	now := e.Now()
	if start.Before(now.Add(e.rules.MinAdvance)) {
		return unavailable(ReasonTooSoon), nil
	}
	if start.After(now.AddDate(0, 0, e.rules.MaxAdvanceDays)) {
		return unavailable(ReasonTooFar), nil
	}

	hours := e.hours[start.Weekday()]
	if isClosed(hours) {
		return unavailable(ReasonClosed), nil
	}
	open, err := parseRange(hours)
	if err != nil {
		return unavailable(ReasonInvalidHours), nil
	}
	if !open.contains(minute) {
		return unavailable(ReasonOutsideHours), nil
	}

	bookings, err := e.repo.ConfirmedOn(ctx, e.businessID, conversation.Day(day))
	if err != nil {
		return Availability{}, fmt.Errorf("reservation: load bookings: %w", err)
	}

	windowStart := start.Add(-e.rules.Buffer)
	windowEnd := start.Add(e.rules.DiningWindow + e.rules.Buffer)
	used := 0
	for _, b := range bookings {
		m, err := clockMinutes(b.Time)
		if err != nil {
			continue
		}
		bStart := e.at(b.Date, m)
		bEnd := bStart.Add(e.rules.DiningWindow)
		if !bStart.After(windowEnd) && !bEnd.Before(windowStart) {
			used += b.PartySize
		}
	}

	total := e.rules.TotalSeats
	if used+partySize > total {
		return Availability{Reason: ReasonCapacityFull, UsedSeats: used, TotalSeats: total}, nil
	}
	return Availability{Available: true, UsedSeats: used, TotalSeats: total}, nil
}

// Alternatives probes the offsets -60, -30, +30, +60, +90 and +120 minutes
// around hhmm on day, skipping times outside 11:00-21:00, and returns up to n
// available slots in probe order.
func (e *Engine) Alternatives(ctx context.Context, day time.Time, hhmm string, partySize, n int) ([]Slot, error) {
	base, err := clockMinutes(hhmm)
	if err != nil {
		return nil, err
	}
	if partySize <= 0 {
		partySize = 2
	}

	var slots []Slot
	for _, off := range alternativeOffsets {
		if len(slots) >= n {
			break
		}
		m := base + int(off/time.Minute)
		if m < earliestAlternative || m > latestAlternative {
			continue
		}
		candidate := minutesClock(m)
		av, err := e.Check(ctx, day, candidate, partySize)
		if err != nil {
			return nil, err
		}
		if av.Available {
			slots = append(slots, Slot{
				Date:           conversation.Day(day),
				Time:           candidate,
				AvailableSeats: av.TotalSeats - av.UsedSeats,
			})
		}
	}
	return slots, nil
}

// at returns the local instant of minute m on the calendar day of day.
func (e *Engine) at(day time.Time, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, e.loc)
}
