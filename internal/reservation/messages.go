package reservation

import (
	"fmt"
	"strings"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// Spoken responses of the booking flow.
const (
	msgBookingSuccess  = "Bahut accha! Aapki booking confirm ho gayi - %s ko %s, %d logon ke liye, %s ji ke naam se. %s mein milte hain!"
	msgSlotUnavailable = "Maaf kijiye, %s ko %s slot available nahi hai. %s"
	msgTwoAlternatives = "%s ya %s available hai - kaunsa better hai?"
	msgOneAlternative  = "%s available hai - kya woh chalega?"
	msgNoAlternatives  = "Kya aap koi aur din ya time try karna chahenge?"
	msgPartyTooLarge   = "%d logon ke liye phone par booking nahi ho sakti - max %d tak. Bade groups ke liye WhatsApp par contact karein."
	msgPartyTooSmall   = "Booking kam se kam %d logon ke liye hoti hai."
	msgTooSoon         = "Maaf kijiye, reservation kam se kam %d minute pehle honi chahiye."
	msgTooFar          = "Maaf kijiye, hum sirf %d din aage tak ki booking lete hain."
	msgClosedDay       = "Maaf kijiye, %s ko hum band rehte hain. Kya koi aur din suit karega?"
	msgOutsideHours    = "Maaf kijiye, %s par hum open nahi hain. Hum %s se %s tak khule hain."
	msgInvalidHours    = "Maaf kijiye, us din ki timings abhi confirm nahi hain. Kya koi aur din try karein?"
	msgIncomplete      = "Booking ki details abhi poori nahi hain."
	msgMissingDetails  = "Maaf kijiye, booking details missing hain."
	msgChangeDetails   = "Theek hai, kya change karna chahenge?"

	// MsgHandoff is spoken when the dialogue is handed to the team.
	MsgHandoff = "Main aapko hamari team se connect kar rahi hoon. Hum aapko jaldi WhatsApp par call back karenge."
)

// rejectionMessage renders the template for a rejected booking. Capacity
// conflicts are rendered by the caller together with alternatives.
func (f *Flow) rejectionMessage(av Availability, r conversation.Reservation) string {
	rules := f.engine.Rules()
	switch av.Reason {
	case ReasonPartyTooLarge:
		return fmt.Sprintf(msgPartyTooLarge, r.PartySize, rules.MaxPhonePartySize)
	case ReasonPartyTooSmall:
		return fmt.Sprintf(msgPartyTooSmall, rules.MinPartySize)
	case ReasonTooSoon:
		return fmt.Sprintf(msgTooSoon, int(rules.MinAdvance.Minutes()))
	case ReasonTooFar:
		return fmt.Sprintf(msgTooFar, rules.MaxAdvanceDays)
	case ReasonClosed:
		return fmt.Sprintf(msgClosedDay, r.Date.Weekday())
	case ReasonOutsideHours:
		open, closeAt, _ := strings.Cut(f.engine.Hours()[r.Date.Weekday()], "-")
		return fmt.Sprintf(msgOutsideHours, conversation.FormatTime(r.Time),
			conversation.FormatTime(strings.TrimSpace(open)), conversation.FormatTime(strings.TrimSpace(closeAt)))
	default:
		return msgInvalidHours
	}
}

// capacityMessage renders a full-slot response offering alts.
func (f *Flow) capacityMessage(r conversation.Reservation, alts []Slot) string {
	var offer string
	switch len(alts) {
	case 0:
		offer = msgNoAlternatives
	case 1:
		offer = fmt.Sprintf(msgOneAlternative, conversation.FormatTime(alts[0].Time))
	default:
		offer = fmt.Sprintf(msgTwoAlternatives, conversation.FormatTime(alts[0].Time), conversation.FormatTime(alts[1].Time))
	}
	return fmt.Sprintf(msgSlotUnavailable, conversation.FormatDate(r.Date, f.engine.Now()), conversation.FormatTime(r.Time), offer)
}
