package conversation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var fieldQuestions = map[Field]string{
	FieldPartySize: "Kitne logon ke liye table chahiye?",
	FieldDate:      "Kis din ke liye reservation karein?",
	FieldTime:      "Kaunsi time prefer karenge - lunch ya dinner?",
	FieldName:      "Booking ke liye aapka naam bata dijiye?",
}

// Question returns the spoken question asking for f.
func Question(f Field) string {
	return fieldQuestions[f]
}

// ConfirmationMessage restates every filled field of the accumulator and
// asks the caller to confirm. today is the business-local current day. It
// returns "" when the accumulator is incomplete.
func (s *State) ConfirmationMessage(today time.Time) string {
	if s.Pending == nil || !s.Pending.Complete() {
		return ""
	}
	r := s.Pending
	name := r.Name
	if name == "" {
		name = "Guest"
	}
	return fmt.Sprintf("Main confirm karti hoon - %s ko %s, %d logon ke liye, %s ji ke naam se. Kya yeh sahi hai?",
		FormatDate(r.Date, today), FormatTime(r.Time), r.PartySize, name)
}

// FormatDate renders d for speech: "aaj", "kal" and "parson" relative to
// today, otherwise "Saturday, 15 February".
func FormatDate(d, today time.Time) string {
	d, today = Day(d), Day(today)
	switch {
	case d.Equal(today):
		return "aaj"
	case d.Equal(today.AddDate(0, 0, 1)):
		return "kal"
	case d.Equal(today.AddDate(0, 0, 2)):
		return "parson"
	default:
		return d.Format("Monday, 02 January")
	}
}

// FormatTime renders an "HH:MM" time for speech, e.g. "7 baje shaam" or
// "1 aadha baje dopahar". Unparseable input is returned unchanged.
func FormatTime(hhmm string) string {
	hour, minute, err := ParseClock(hhmm)
	if err != nil {
		return hhmm
	}
	var minutes string
	switch minute {
	case 0:
	case 30:
		minutes = " aadha"
	default:
		minutes = fmt.Sprintf(":%02d", minute)
	}
	display := hour
	if hour > 12 {
		display = hour - 12
	}
	switch {
	case hour >= 17:
		return fmt.Sprintf("%d%s baje shaam", display, minutes)
	case hour >= 12:
		return fmt.Sprintf("%d%s baje dopahar", display, minutes)
	default:
		return fmt.Sprintf("%d%s baje subah", hour, minutes)
	}
}

// ParseClock parses a 24h "H:MM" or "HH:MM" time of day.
func ParseClock(hhmm string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok || len(m) != 2 || len(h) == 0 || len(h) > 2 {
		return 0, 0, fmt.Errorf("conversation: invalid time %q", hhmm)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("conversation: invalid hour in %q", hhmm)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("conversation: invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}
