// Package extract converts one caller turn into a structured
// [conversation.Extraction] using a deterministic, JSON-constrained LLM call.
//
// This is the second of two LLM uses per turn: the free-form spoken reply is
// streamed by the call pipeline first, then [LLMExtractor.Extract] reads the
// caller's words (with a short history summary) and returns the reservation
// fields, intent and any yes/no answer they contain.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Extractor reads the structured content of a caller turn.
type Extractor interface {
	// Extract returns the reservation details, intent and confirmation answer
	// found in userMsg. reply is the assistant's answer to it and history the
	// dialogue so far, both used as context only.
	Extract(ctx context.Context, userMsg, reply string, history []types.Message) (*conversation.Extraction, error)
}

// Limiter admits model requests and reconciles them with the tokens they
// actually used. [ratelimit.Limiter] implements it.
type Limiter interface {
	Acquire(ctx context.Context, estimatedTokens int) error
	RecordUsage(ctx context.Context, estimatedTokens, actualTokens int)
}

// Option configures an [LLMExtractor].
type Option func(*LLMExtractor)

// WithLocation sets the time zone used to resolve relative dates such as
// "kal". Default: Asia/Kolkata, or UTC if the zone database is unavailable.
func WithLocation(loc *time.Location) Option {
	return func(e *LLMExtractor) { e.loc = loc }
}

// WithClock overrides the time source used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(e *LLMExtractor) { e.now = now }
}

// WithLimiter gates extraction requests through l, which is normally shared
// with reply generation.
func WithLimiter(l Limiter) Option {
	return func(e *LLMExtractor) { e.limiter = l }
}

// LLMExtractor implements [Extractor] with an [llm.Provider] in JSON mode.
type LLMExtractor struct {
	llm     llm.Provider
	limiter Limiter
	loc     *time.Location
	now     func() time.Time
}

var _ Extractor = (*LLMExtractor)(nil)

// New creates an [LLMExtractor] backed by provider.
func New(provider llm.Provider, opts ...Option) *LLMExtractor {
	e := &LLMExtractor{llm: provider, now: time.Now}
	for _, o := range opts {
		o(e)
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

// Extract implements [Extractor].
func (e *LLMExtractor) Extract(ctx context.Context, userMsg, reply string, history []types.Message) (*conversation.Extraction, error) {
	turn := TurnPrompt(userMsg, reply, SummarizeHistory(history))
	estimate := llm.EstimateTokens(SystemPrompt) + llm.EstimateTokens(turn) + maxTokens
	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx, estimate); err != nil {
			return nil, fmt.Errorf("extract: rate limit: %w", err)
		}
	}
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: turn}},
		Temperature:  0,
		MaxTokens:    maxTokens,
		JSONMode:     true,
	})
	if e.limiter != nil && resp != nil && resp.Usage.TotalTokens > 0 {
		e.limiter.RecordUsage(ctx, estimate, resp.Usage.TotalTokens)
	}
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("extract: %w", ErrNoJSON)
	}
	ext, err := Parse(resp.Content, e.now().In(e.loc))
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return ext, nil
}

// maxTokens bounds the JSON answer.
const maxTokens = 200

// historyTurns is the number of trailing messages included as context.
const historyTurns = 4

// historyChars caps each summarised message, in runes.
const historyChars = 100

// SummarizeHistory renders the last four messages of history as
// "User: ..." / "Bot: ..." lines, truncating each to 100 characters.
func SummarizeHistory(history []types.Message) string {
	if len(history) == 0 {
		return ""
	}
	recent := history[max(0, len(history)-historyTurns):]
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		role := "Bot"
		if m.Role == types.RoleUser {
			role = "User"
		}
		content := m.Content
		if r := []rune(content); len(r) > historyChars {
			content = string(r[:historyChars]) + "..."
		}
		lines = append(lines, role+": "+content)
	}
	return strings.Join(lines, "\n")
}
