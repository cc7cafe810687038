// Package knowledge retrieves business facts (menu items, FAQs, policies and
// announcements) relevant to a caller utterance, for injection into the
// generation prompt.
//
// A [Service] embeds the normalised utterance with an embeddings provider
// and searches an [Index] of pre-embedded items. [MemoryIndex] serves tests
// and the chat harness; [PostgresIndex] stores vectors with pgvector.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Category classifies a knowledge item.
type Category string

const (
	CategoryMenuItem     Category = "menu_item"
	CategoryFAQ          Category = "faq"
	CategoryPolicy       Category = "policy"
	CategoryAnnouncement Category = "announcement"
)

// categoryOrder is the order sections appear in a prompt.
var categoryOrder = []struct {
	c       Category
	heading string
}{
	{CategoryMenuItem, "Menu Items"},
	{CategoryFAQ, "Frequently Asked Questions"},
	{CategoryPolicy, "Policies"},
	{CategoryAnnouncement, "Current Announcements"},
}

// Item is one indexed fact.
type Item struct {
	ID         string
	BusinessID string
	Category   Category
	Title      string
	Content    string

	// Price is in INR; menu items only.
	Price      int
	Vegetarian bool

	// Priority in [0,100] boosts ranking by up to 20%.
	Priority int
}

// SearchText is the text embedded for the item.
func (it Item) SearchText() string {
	return strings.TrimSpace(it.Title + "\n" + it.Content)
}

// Snippet is a retrieved item with its similarity score in [0,1].
type Snippet struct {
	Item
	Score float64
}

// rank is the ordering key: similarity boosted by priority.
func (s Snippet) rank() float64 {
	return s.Score + float64(s.Priority)/100*0.2
}

// PromptText renders the snippet as a prompt line.
func (s Snippet) PromptText() string {
	switch s.Category {
	case CategoryMenuItem:
		veg := ""
		if s.Vegetarian {
			veg = " (Veg)"
		}
		price := "N/A"
		if s.Price > 0 {
			price = fmt.Sprint(s.Price)
		}
		return fmt.Sprintf("- %s%s: %s - Rs.%s", s.Title, veg, s.Content, price)
	case CategoryFAQ:
		return fmt.Sprintf("Q: %s\nA: %s", s.Title, s.Content)
	case CategoryPolicy:
		return fmt.Sprintf("Policy - %s: %s", s.Title, s.Content)
	case CategoryAnnouncement:
		return "Note: " + s.Content
	default:
		return fmt.Sprintf("- %s: %s", s.Title, s.Content)
	}
}

// Query selects items for one utterance.
type Query struct {
	BusinessID string
	Text       string

	// MaxResults bounds the result. Zero means [DefaultMaxResults].
	MaxResults int

	// MinScore drops weaker matches. Zero means [DefaultMinScore].
	MinScore float64

	// Categories restricts the search when non-empty.
	Categories []Category
}

const (
	DefaultMaxResults = 5
	DefaultMinScore   = 0.3
)

// Result is the outcome of a retrieval.
type Result struct {
	Snippets []Snippet
	Elapsed  time.Duration
}

// PromptSection renders the snippets grouped by category, or "" when there
// are none.
func (r Result) PromptSection() string {
	if len(r.Snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Information")
	for _, cat := range categoryOrder {
		first := true
		for _, s := range r.Snippets {
			if s.Category != cat.c {
				continue
			}
			if first {
				fmt.Fprintf(&b, "\n\n### %s", cat.heading)
				first = false
			}
			b.WriteString("\n" + s.PromptText())
		}
	}
	return b.String()
}

// Retriever returns knowledge relevant to a caller utterance.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) (Result, error)
}

// NormalizeQuery applies Unicode NFC normalisation, lower-cases and
// collapses whitespace. Devanagari input in particular arrives in several
// equivalent encodings.
func NormalizeQuery(text string) string {
	text = strings.ToLower(norm.NFC.String(text))
	return strings.Join(strings.Fields(text), " ")
}
