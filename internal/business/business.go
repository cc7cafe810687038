// Package business holds the per-restaurant profile the voice agent speaks
// for and renders it into the system prompt of each turn.
package business

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/internal/reservation"
)

// DefaultTimezone is used when a profile names none or an unknown zone.
const DefaultTimezone = "Asia/Kolkata"

// Example is one few-shot exchange shown to the model.
type Example struct {
	User      string
	Assistant string
}

// Profile describes one business.
type Profile struct {
	ID   string
	Name string

	// Type is the kind of business, e.g. "restaurant".
	Type string

	// PhoneNumbers are the dialed numbers routed to this business.
	PhoneNumbers []string

	Timezone string

	// Greeting is spoken when a call connects.
	Greeting string

	Hours reservation.Hours
	Rules reservation.Rules

	MenuSummary string

	// Keywords are names and dishes callers say, used to boost recognition
	// and to correct misheard transcripts.
	Keywords []string

	// Guidelines replace the default behaviour section of the prompt when set.
	Guidelines string

	// Examples are the few-shot exchanges. Nil selects [DefaultExamples].
	Examples []Example
}

// Location returns the profile's time zone, falling back to
// [DefaultTimezone] and then UTC.
func (p *Profile) Location() *time.Location {
	for _, name := range []string{p.Timezone, DefaultTimezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// NewEngine returns an availability engine applying the profile's rules and
// hours on top of repo.
func (p *Profile) NewEngine(repo reservation.Repository, opts ...reservation.EngineOption) *reservation.Engine {
	base := []reservation.EngineOption{
		reservation.WithRules(p.Rules),
		reservation.WithLocation(p.Location()),
	}
	if p.Hours != nil {
		base = append(base, reservation.WithHours(p.Hours))
	}
	return reservation.NewEngine(p.ID, repo, append(base, opts...)...)
}

// Directory resolves businesses by ID and by dialed number. It is safe for
// concurrent use and may be replaced wholesale on config reload.
type Directory struct {
	mu       sync.RWMutex
	byID     map[string]*Profile
	byNumber map[string]*Profile
}

// NewDirectory returns a Directory holding profiles.
func NewDirectory(profiles ...Profile) *Directory {
	d := &Directory{}
	d.Replace(profiles)
	return d
}

// Replace swaps the directory contents for profiles.
func (d *Directory) Replace(profiles []Profile) {
	byID := make(map[string]*Profile, len(profiles))
	byNumber := make(map[string]*Profile)
	for i := range profiles {
		p := &profiles[i]
		byID[p.ID] = p
		for _, n := range p.PhoneNumbers {
			byNumber[NormalizeNumber(n)] = p
		}
	}
	d.mu.Lock()
	d.byID, d.byNumber = byID, byNumber
	d.mu.Unlock()
}

// ByID returns the profile with id.
func (d *Directory) ByID(id string) (*Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return p, ok
}

// ByNumber returns the profile a dialed number is routed to. Numbers are
// compared on their last ten digits.
func (d *Directory) ByNumber(number string) (*Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byNumber[NormalizeNumber(number)]
	return p, ok
}

// Len returns the number of profiles.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// NormalizeNumber strips everything but digits and keeps the last ten, so
// "+91 98765-43210" and "09876543210" compare equal.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}
