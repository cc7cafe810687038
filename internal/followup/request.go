// Package followup delivers callback requests to the business's WhatsApp
// gateway.
//
// A call that ends with a human handoff (operator key, confirmation cap)
// produces a [Request]. The [Service] stores it and pushes its ID onto a
// Redis list; a [Worker] pops IDs, posts the request to a webhook and marks
// it sent. Requests older than [MaxAge] or for callers without WhatsApp
// consent expire instead of being delivered.
package followup

import "time"

// Reason is why a followup was requested.
type Reason string

const (
	ReasonCallbackRequest Reason = "callback_request"
	ReasonConfirmationCap Reason = "confirmation_cap"
)

// Status is the delivery state of a stored request.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// MaxAge is how long a request stays deliverable.
const MaxAge = 48 * time.Hour

// Request asks staff to call a caller back.
type Request struct {
	ID         string
	BusinessID string
	CallID     string

	// CallerHash identifies the caller; raw numbers are never stored.
	CallerHash string

	Reason  Reason
	Summary string

	Status    Status
	CreatedAt time.Time
	SentAt    time.Time
}

// Expired reports whether r is past [MaxAge] at now.
func (r Request) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > MaxAge
}
