// Package conversation tracks the structured state of a reservation dialogue:
// the current [Phase], the progressively merged [Reservation] accumulator and
// the questions already put to the caller.
//
// The package holds no I/O. Extraction of reservation fields from speech
// lives in internal/extract; availability checks and booking live in
// internal/reservation.
package conversation

import (
	"strings"
	"time"
)

// Intent is the caller intent classified for a turn.
type Intent int

const (
	// IntentChitchat covers greetings, thanks and anything unclassified. A
	// chitchat extraction never overrides an earlier intent during a merge.
	IntentChitchat Intent = iota
	IntentMakeReservation
	IntentModifyReservation
	IntentCancelReservation
	IntentInquiry
	IntentOperatorRequest
)

var intentNames = [...]string{
	IntentChitchat:          "CHITCHAT",
	IntentMakeReservation:   "MAKE_RESERVATION",
	IntentModifyReservation: "MODIFY_RESERVATION",
	IntentCancelReservation: "CANCEL_RESERVATION",
	IntentInquiry:           "INQUIRY",
	IntentOperatorRequest:   "OPERATOR_REQUEST",
}

// String returns the canonical upper-case name of the intent.
func (i Intent) String() string {
	if i < 0 || int(i) >= len(intentNames) {
		return "UNKNOWN"
	}
	return intentNames[i]
}

// Books reports whether the intent asks for a table, either new or changed.
func (i Intent) Books() bool {
	return i == IntentMakeReservation || i == IntentModifyReservation
}

// ParseIntent maps an intent label to an [Intent]. Both the short labels used
// in extraction prompts ("MODIFY", "OPERATOR") and the canonical names are
// accepted, case-insensitively. Unknown labels map to [IntentChitchat].
func ParseIntent(s string) Intent {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MAKE_RESERVATION":
		return IntentMakeReservation
	case "MODIFY", "MODIFY_RESERVATION":
		return IntentModifyReservation
	case "CANCEL", "CANCEL_RESERVATION":
		return IntentCancelReservation
	case "INQUIRY":
		return IntentInquiry
	case "OPERATOR", "OPERATOR_REQUEST":
		return IntentOperatorRequest
	default:
		return IntentChitchat
	}
}

// Field is a required reservation field.
type Field int

const (
	FieldPartySize Field = iota
	FieldDate
	FieldTime
	FieldName
)

// FieldPriority is the order in which missing fields are asked for.
var FieldPriority = []Field{FieldPartySize, FieldDate, FieldTime, FieldName}

func (f Field) String() string {
	switch f {
	case FieldPartySize:
		return "party_size"
	case FieldDate:
		return "date"
	case FieldTime:
		return "time"
	case FieldName:
		return "name"
	default:
		return "unknown"
	}
}

// Reservation is a partially specified booking. Zero values mean "not yet
// known": PartySize 0, a zero Date, an empty Time or Name.
type Reservation struct {
	Intent Intent

	PartySize int

	// Date is the calendar day at midnight UTC. Only year, month and day are
	// meaningful.
	Date time.Time

	// Time is the local time of day in 24h "HH:MM" form.
	Time string

	Name           string
	SpecialRequest string

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64
}

// Missing returns the required fields still unknown, in [FieldPriority]
// order. Only booking intents require fields. The result is computed from the
// current field values on every call.
func (r Reservation) Missing() []Field {
	if !r.Intent.Books() {
		return nil
	}
	var missing []Field
	for _, f := range FieldPriority {
		if !r.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Has reports whether field f is filled.
func (r Reservation) Has(f Field) bool {
	switch f {
	case FieldPartySize:
		return r.PartySize > 0
	case FieldDate:
		return !r.Date.IsZero()
	case FieldTime:
		return r.Time != ""
	case FieldName:
		return r.Name != ""
	default:
		return false
	}
}

// Complete reports whether no required field is missing.
func (r Reservation) Complete() bool {
	return len(r.Missing()) == 0
}

// HasDetails reports whether any reservation field carries a value.
func (r Reservation) HasDetails() bool {
	for _, f := range FieldPriority {
		if r.Has(f) {
			return true
		}
	}
	return r.SpecialRequest != ""
}

// Merge returns r updated with newer. Each field takes the newer value when
// set and keeps the older one otherwise. The intent becomes the newer intent
// unless the newer one is [IntentChitchat]. Confidence is the maximum of the
// two.
func (r Reservation) Merge(newer Reservation) Reservation {
	out := r
	if newer.Intent != IntentChitchat {
		out.Intent = newer.Intent
	}
	if newer.PartySize > 0 {
		out.PartySize = newer.PartySize
	}
	if !newer.Date.IsZero() {
		out.Date = newer.Date
	}
	if newer.Time != "" {
		out.Time = newer.Time
	}
	if newer.Name != "" {
		out.Name = newer.Name
	}
	if newer.SpecialRequest != "" {
		out.SpecialRequest = newer.SpecialRequest
	}
	out.Confidence = max(r.Confidence, newer.Confidence)
	return out
}

// Extraction is the structured reading of one caller turn.
type Extraction struct {
	Reservation

	// Confirmed is the caller's answer to a pending confirmation question:
	// true for yes, false for no, nil when the turn answers neither.
	Confirmed *bool
}

// Day returns the calendar day of t as midnight UTC, the form stored in
// [Reservation.Date].
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
