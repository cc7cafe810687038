package business

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/tablecall/internal/reservation"
)

// maxPromptExamples bounds the few-shot exchanges rendered into a prompt.
const maxPromptExamples = 6

// DefaultExamples are Hinglish exchanges covering a reservation from first
// request to booking.
var DefaultExamples = []Example{
	{
		User:      "Main kal shaam ko 4 logon ke liye table book karna chahti hoon, 7 baje",
		Assistant: "Zaroor! Kal shaam 7 baje, 4 logon ke liye. Booking ke liye aapka naam bata dijiye?",
	},
	{
		User:      "Sharma",
		Assistant: "Shukriya Sharma ji! Main confirm karti hoon - kal shaam 7 baje, 4 log, Sharma ji ke naam se. Kya yeh sahi hai?",
	},
	{
		User:      "Haan, sahi hai",
		Assistant: "Bahut accha! Aapki booking confirm ho gayi - kal shaam 7 baje, 4 log. Milte hain!",
	},
	{
		User:      "Table book karna hai",
		Assistant: "Zaroor! Kitne logon ke liye table chahiye?",
	},
	{
		User:      "5 log hain",
		Assistant: "5 log ke liye. Kis din ke liye book karein - aaj, kal, ya koi aur din?",
	},
	{
		User:      "Kal ke liye",
		Assistant: "Kal ke liye, 5 log. Kaunsi time prefer karenge - 7 baje ya 8 baje?",
	},
	{
		User:      "Vegetarian options hain?",
		Assistant: "Haan, bilkul! Humare paas kaafi vegetarian options hain. Kya aap reservation bhi karna chahenge?",
	},
	{
		User:      "15 logon ke liye table chahiye",
		Assistant: "15 logon ke liye phone par booking nahi ho sakti - max 10 tak. Bade groups ke liye WhatsApp par contact karein.",
	},
}

const defaultGuidelines = `- Be concise: responses should be 1-2 sentences for voice
- Use natural, conversational language
- Adapt to Hindi, English, or Hinglish based on the caller's language
- For Hindi speakers, use simple conversational Hindi with polite forms ("ji", "aap")
- Always confirm reservation details before finalizing (date, time, party size, name)
- Do not accept delivery orders; politely redirect to delivery apps
- For large parties, redirect to WhatsApp
- If unsure about availability, offer a WhatsApp call back`

// Context is everything the system prompt of one turn is built from.
type Context struct {
	Profile *Profile

	// Now is the current time; it is rendered in the profile's time zone.
	Now time.Time

	// AvailableSeats is rendered when non-nil.
	AvailableSeats *int

	// Knowledge is a pre-rendered section of retrieved snippets.
	Knowledge string

	// CallerHistory summarises earlier calls of the same caller.
	CallerHistory string
}

// SystemPrompt renders c into the system prompt for response generation.
func SystemPrompt(c Context) string {
	p := c.Profile
	loc := p.Location()
	kind := p.Type
	if kind == "" {
		kind = "restaurant"
	}
	rules := p.Rules.WithDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly voice assistant for %s, a %s in India.\n", p.Name, kind)

	b.WriteString("\n## Current Information\n")
	fmt.Fprintf(&b, "- Current date/time: %s (%s)\n", c.Now.In(loc).Format("Monday, January 02, 2006 at 03:04 PM"), loc)

	b.WriteString("\n## Operating Hours\n")
	hours := p.Hours
	if hours == nil {
		hours = reservation.DefaultHours()
	}
	for d := time.Monday; ; d = (d + 1) % 7 {
		h, ok := hours[d]
		if !ok || strings.TrimSpace(h) == "" {
			h = reservation.Closed
		}
		fmt.Fprintf(&b, "  - %s: %s\n", d, h)
		if d == time.Sunday {
			break
		}
	}

	b.WriteString("\n## Reservation Rules\n")
	fmt.Fprintf(&b, "- Maximum party size (phone): %d people\n", rules.MaxPhonePartySize)
	fmt.Fprintf(&b, "- Minimum advance booking: %d minutes\n", int(rules.MinAdvance.Minutes()))
	fmt.Fprintf(&b, "- Maximum advance booking: %d days\n", rules.MaxAdvanceDays)
	fmt.Fprintf(&b, "- Total capacity: %d seats\n", rules.TotalSeats)
	if c.AvailableSeats != nil {
		fmt.Fprintf(&b, "- Current available seats: %d\n", *c.AvailableSeats)
	}

	if p.MenuSummary != "" {
		fmt.Fprintf(&b, "\n## Menu Highlights\n%s\n", p.MenuSummary)
	}
	if c.CallerHistory != "" {
		fmt.Fprintf(&b, "\n## Caller History\n%s\n", c.CallerHistory)
	}
	if c.Knowledge != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(c.Knowledge))
	}

	guidelines := p.Guidelines
	if guidelines == "" {
		guidelines = defaultGuidelines
	}
	fmt.Fprintf(&b, "\n## Guidelines\n%s\n", strings.TrimSpace(guidelines))

	examples := p.Examples
	if examples == nil {
		examples = DefaultExamples
	}
	if len(examples) > maxPromptExamples {
		examples = examples[:maxPromptExamples]
	}
	if len(examples) > 0 {
		b.WriteString("\n## Example Conversations\n")
		for i, ex := range examples {
			fmt.Fprintf(&b, "\nExample %d:\n  User: %s\n  Assistant: %s\n", i+1, ex.User, ex.Assistant)
		}
	}
	return b.String()
}
