// Package reservation decides whether a table can be booked and books it.
//
// [Engine] applies a business's [Rules] and operating [Hours] to a candidate
// slot: party size, advance-booking window, opening hours and finally seat
// capacity over the overlapping dining windows of confirmed bookings. On a
// capacity conflict it probes nearby times for alternatives.
//
// [Flow] drives the confirmation protocol of a single call on top of an
// Engine, turning extractions into spoken prompts and bookings.
package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// Rules are the booking limits of one business.
type Rules struct {
	MinPartySize int

	// MaxPhonePartySize is the largest party that may book by phone.
	MaxPhonePartySize int

	TotalSeats int

	// DiningWindow is how long a table stays occupied after a booking starts.
	DiningWindow time.Duration

	// Buffer is the margin added on both sides of a requested dining window
	// when looking for overlapping bookings.
	Buffer time.Duration

	MinAdvance     time.Duration
	MaxAdvanceDays int
}

// DefaultRules returns the rules used when a business configures none.
func DefaultRules() Rules {
	return Rules{
		MinPartySize:      1,
		MaxPhonePartySize: 10,
		TotalSeats:        40,
		DiningWindow:      90 * time.Minute,
		Buffer:            15 * time.Minute,
		MinAdvance:        30 * time.Minute,
		MaxAdvanceDays:    30,
	}
}

// WithDefaults fills zero fields from [DefaultRules]. A negative Buffer or
// MinAdvance disables that margin.
func (r Rules) WithDefaults() Rules {
	d := DefaultRules()
	if r.MinPartySize <= 0 {
		r.MinPartySize = d.MinPartySize
	}
	if r.MaxPhonePartySize <= 0 {
		r.MaxPhonePartySize = d.MaxPhonePartySize
	}
	if r.TotalSeats <= 0 {
		r.TotalSeats = d.TotalSeats
	}
	if r.DiningWindow <= 0 {
		r.DiningWindow = d.DiningWindow
	}
	switch {
	case r.Buffer == 0:
		r.Buffer = d.Buffer
	case r.Buffer < 0:
		r.Buffer = 0
	}
	switch {
	case r.MinAdvance == 0:
		r.MinAdvance = d.MinAdvance
	case r.MinAdvance < 0:
		r.MinAdvance = 0
	}
	if r.MaxAdvanceDays <= 0 {
		r.MaxAdvanceDays = d.MaxAdvanceDays
	}
	return r
}

// Closed is the [Hours] value of a day without service.
const Closed = "closed"

// Hours maps weekdays to "HH:MM-HH:MM" ranges or [Closed]. A range whose end
// is before its start spans midnight. Missing weekdays are closed.
type Hours map[time.Weekday]string

// DefaultHours opens every day from 11:00 to 22:30.
func DefaultHours() Hours {
	h := make(Hours, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		h[d] = "11:00-22:30"
	}
	return h
}

// ParseWeekday maps an English weekday name ("monday", "Mon") to a
// [time.Weekday].
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("reservation: unknown weekday %q", s)
}

// openRange is a parsed operating-hours range in minutes since midnight.
type openRange struct {
	open, close int
}

// contains reports whether minute m lies within the range, inclusive. An
// overnight range matches either side of midnight.
func (r openRange) contains(m int) bool {
	if r.open <= r.close {
		return r.open <= m && m <= r.close
	}
	return m >= r.open || m <= r.close
}

// parseRange parses "HH:MM-HH:MM".
func parseRange(s string) (openRange, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return openRange{}, fmt.Errorf("reservation: invalid hours %q", s)
	}
	o, err := clockMinutes(start)
	if err != nil {
		return openRange{}, err
	}
	c, err := clockMinutes(end)
	if err != nil {
		return openRange{}, err
	}
	return openRange{open: o, close: c}, nil
}

// ValidateHours checks that every entry is [Closed] or a parseable range.
func ValidateHours(h Hours) error {
	for d, s := range h {
		if isClosed(s) {
			continue
		}
		if _, err := parseRange(s); err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
	}
	return nil
}

func isClosed(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, Closed)
}

func clockMinutes(hhmm string) (int, error) {
	h, m, err := conversation.ParseClock(hhmm)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func minutesClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
