package callsession

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/internal/extract"
	"github.com/MrWong99/tablecall/internal/followup"
	"github.com/MrWong99/tablecall/internal/knowledge"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/internal/reservation"
	"github.com/MrWong99/tablecall/internal/transcript"
	"github.com/MrWong99/tablecall/pkg/audio"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Spoken replies produced by the session itself.
const (
	msgSlow           = "Maaf kijiye, thoda time lag raha hai. Kripya dobara bolein."
	msgTrouble        = "Sorry, I'm having trouble. Please try again."
	msgNothingPending = "Abhi koi confirmation pending nahi hai."
	msgTransfer       = "Main aapko operator se connect kar rahi hoon. Kripya hold karein, ya hum aapko WhatsApp par call back karenge."
)

// MaxHistory is the number of dialogue messages sent to the model; older
// ones are trimmed.
const MaxHistory = 10

const (
	replyMaxTokens   = 256
	replyTemperature = 0.7

	// transcriptExcerpt bounds the transcript quoted in a followup, in runes.
	transcriptExcerpt = 200
)

// Limiter admits model requests. [ratelimit.Limiter] implements it. The
// same Limiter gates both the reply and the extraction of a turn.
type Limiter interface {
	Acquire(ctx context.Context, estimatedTokens int) error
	RecordUsage(ctx context.Context, estimatedTokens, actualTokens int)
}

// Followups records callback requests.
type Followups interface {
	Request(ctx context.Context, r followup.Request) error
}

// CallerHistory summarises a caller's earlier visits for the prompt.
type CallerHistory interface {
	CallerSummary(ctx context.Context, businessID, callerHash string) (string, error)
}

// Option configures a [Session].
type Option func(*Session)

// WithCallerHash sets the hashed caller identity.
func WithCallerHash(h string) Option {
	return func(s *Session) { s.callerHash = h }
}

// WithRetriever adds retrieved knowledge to every prompt. topK is clamped
// to [1,10].
func WithRetriever(r knowledge.Retriever, topK int) Option {
	return func(s *Session) {
		s.retriever = r
		s.topK = min(max(topK, 1), 10)
	}
}

// WithLimiter gates model requests.
func WithLimiter(l Limiter) Option {
	return func(s *Session) { s.limiter = l }
}

// WithFollowups records a callback request when the call is handed off.
func WithFollowups(f Followups) Option {
	return func(s *Session) { s.followups = f }
}

// WithCallerHistory adds the caller's earlier visits to the prompt.
func WithCallerHistory(h CallerHistory) Option {
	return func(s *Session) { s.callerHistory = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCorrector fixes misheard keywords in each utterance before it is
// answered.
func WithCorrector(c *transcript.Corrector) Option {
	return func(s *Session) { s.corrector = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Snapshot is a point-in-time view of a [Session].
type Snapshot struct {
	CallID     string
	BusinessID string
	Phase      conversation.Phase

	// Pending is a copy of the reservation being gathered, or nil.
	Pending      *conversation.Reservation
	Missing      []conversation.Field
	Attempts     int
	Alternatives []string

	Turns        int
	Language     string
	LastResponse string
}

// Session is the dialogue side of one call. It answers caller utterances
// with a model reply, runs the booking flow on the extracted content and
// keeps the bounded history.
//
// Respond, Confirm, RequestTransfer and Reset are serialised. Accessors are
// safe for concurrent use; only History waits for a running turn.
type Session struct {
	id         string
	profile    *business.Profile
	engine     *reservation.Engine
	flow       *reservation.Flow
	gen        llm.Provider
	extractor  extract.Extractor
	callerHash string

	retriever     knowledge.Retriever
	topK          int
	limiter       Limiter
	followups     Followups
	callerHistory CallerHistory
	corrector     *transcript.Corrector
	metrics       *observe.Metrics
	now           func() time.Time
	startedAt     time.Time

	// turn serialises mutations; fields below it are owned by the holder.
	turn          sync.Mutex
	state         *conversation.State
	history       []types.Message
	visits        string
	visitsLoaded  bool
	operatorAsked bool
	handedOff     bool

	mu         sync.Mutex
	snap       Snapshot
	transcript []types.Message
}

var _ pipeline.Responder = (*Session)(nil)

// NewSession returns a Session for callID booking through engine. gen
// writes free-form replies; ext reads the structured content of each turn.
func NewSession(callID string, profile *business.Profile, engine *reservation.Engine, gen llm.Provider, ext extract.Extractor, opts ...Option) *Session {
	s := &Session{
		id:        callID,
		profile:   profile,
		engine:    engine,
		gen:       gen,
		extractor: ext,
		topK:      knowledge.DefaultMaxResults,
		now:       time.Now,
		state:     conversation.NewState(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.startedAt = s.now()
	s.flow = reservation.NewFlow(engine,
		reservation.WithBusinessName(profile.Name),
		reservation.WithCall(callID, s.callerHash),
		reservation.WithMetrics(s.metrics),
	)
	s.publish()
	return s
}

// ID returns the call ID.
func (s *Session) ID() string { return s.id }

// BusinessID returns the business the call was placed to.
func (s *Session) BusinessID() string { return s.profile.ID }

// CallerHash returns the hashed caller identity.
func (s *Session) CallerHash() string { return s.callerHash }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Respond answers one caller utterance. The reply comes from the model,
// shaped by [NormalizeResponse]; when the booking flow has something to say
// (a question for a missing detail, a confirmation, a booking result) its
// message replaces it verbatim. Model and
// extraction failures are logged and answered with a canned phrase, so the
// only error returned is ctx's.
func (s *Session) Respond(ctx context.Context, u pipeline.Utterance) (pipeline.Reply, error) {
	s.turn.Lock()
	defer s.turn.Unlock()
	if err := ctx.Err(); err != nil {
		return pipeline.Reply{}, err
	}
	log := observe.Logger(ctx)

	text := strings.TrimSpace(u.Text)
	if fixed, fixes := s.corrector.Correct(text); len(fixes) > 0 {
		log.Debug("transcript corrected", "corrections", len(fixes), "text", fixed)
		text = fixed
	}
	prior := slices.Clone(s.history)
	s.addMessage(types.RoleUser, text)
	s.mu.Lock()
	s.snap.Turns++
	if u.Language != "" {
		s.snap.Language = u.Language
	}
	s.mu.Unlock()

	prompt := s.systemPrompt(ctx, text)
	reply, first, err := s.generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Reply{}, ctx.Err()
		}
		log.Error("reply generation failed", "err", err)
		reply = msgTrouble
		if errors.Is(err, context.DeadlineExceeded) {
			reply = msgSlow
		}
	}

	reply = NormalizeResponse(reply)
	if override := s.advance(ctx, text, reply, prior); override != "" {
		reply = override
	}
	if reply == "" {
		reply = msgTrouble
	}
	s.addMessage(types.RoleAssistant, reply)
	s.settle(ctx, reply)
	return pipeline.Reply{Text: reply, FirstToken: first}, nil
}

// systemPrompt builds the prompt of one turn. Retrieval and lookup failures
// only cost their prompt section.
func (s *Session) systemPrompt(ctx context.Context, text string) string {
	log := observe.Logger(ctx)
	c := business.Context{Profile: s.profile, Now: s.engine.Now()}

	if s.retriever != nil {
		res, err := s.retriever.Retrieve(ctx, knowledge.Query{
			BusinessID: s.profile.ID,
			Text:       text,
			MaxResults: s.topK,
		})
		if err != nil {
			log.Warn("knowledge retrieval failed", "err", err)
		} else {
			c.Knowledge = res.PromptSection()
		}
	}

	if s.callerHistory != nil && s.callerHash != "" && !s.visitsLoaded {
		s.visitsLoaded = true
		v, err := s.callerHistory.CallerSummary(ctx, s.profile.ID, s.callerHash)
		if err != nil {
			log.Warn("caller history lookup failed", "err", err)
		}
		s.visits = v
	}
	c.CallerHistory = s.visits

	if p := s.state.Pending; p != nil && !p.Date.IsZero() && p.Time != "" {
		av, err := s.engine.Check(ctx, p.Date, p.Time, max(p.PartySize, 1))
		if err == nil && av.TotalSeats > 0 {
			seats := av.TotalSeats - av.UsedSeats
			c.AvailableSeats = &seats
		}
	}
	return business.SystemPrompt(c)
}

// generate streams a reply and returns it with the time to its first token.
func (s *Session) generate(ctx context.Context, prompt string) (string, time.Duration, error) {
	msgs := slices.Clone(s.history)
	estimate := llm.EstimateTokens(prompt) + replyMaxTokens
	for _, m := range msgs {
		estimate += llm.EstimateTokens(m.Content)
	}
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, estimate); err != nil {
			return "", 0, fmt.Errorf("callsession: rate limit: %w", err)
		}
	}

	start := s.now()
	ch, err := s.gen.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     msgs,
		Temperature:  replyTemperature,
		MaxTokens:    replyMaxTokens,
	})
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm", "generate")
		return "", 0, fmt.Errorf("callsession: generate: %w", err)
	}

	var (
		b     strings.Builder
		first time.Duration
	)
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			audio.Drain(ch)
			s.metrics.RecordProviderError(ctx, "llm", "generate")
			return "", first, fmt.Errorf("callsession: generate: %s", c.Text)
		}
		if c.Text != "" && b.Len() == 0 {
			first = s.now().Sub(start)
		}
		b.WriteString(c.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", first, err
	}
	s.metrics.RecordProviderRequest(ctx, "llm", "generate", "ok")
	return b.String(), first, nil
}

// advance runs extraction and the booking flow and returns the flow's
// replacement reply, if any.
func (s *Session) advance(ctx context.Context, text, reply string, prior []types.Message) string {
	if s.extractor == nil {
		return ""
	}
	log := observe.Logger(ctx)
	ext, err := s.extractor.Extract(ctx, text, reply, prior)
	if err != nil || ext == nil {
		log.Warn("extraction failed, skipping booking flow", "err", err)
		return ""
	}
	if ext.Intent == conversation.IntentOperatorRequest {
		s.operatorAsked = true
	}
	override, err := s.flow.ProcessExtraction(ctx, s.state, *ext)
	if err != nil {
		log.Error("booking flow failed", "err", err, "phase", s.state.Phase.String())
		return msgTrouble
	}
	log.Debug("turn processed", "intent", ext.Intent.String(), "phase", s.state.Phase.String())
	return override
}

// Confirm confirms a pending reservation, as the "#" key does.
func (s *Session) Confirm(ctx context.Context) (string, error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	reply := msgNothingPending
	if s.state.Phase == conversation.PhaseAwaitingConfirmation {
		res, err := s.flow.HandleConfirmation(ctx, s.state, true)
		if err != nil {
			observe.Logger(ctx).Error("keypad confirmation failed", "err", err)
			reply = msgTrouble
		} else {
			reply = res.Message
		}
	}
	s.addMessage(types.RoleAssistant, reply)
	s.settle(ctx, reply)
	return reply, nil
}

// RequestTransfer hands the call to a human, as the "0" key does.
func (s *Session) RequestTransfer(ctx context.Context) (string, error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	s.operatorAsked = true
	s.state.Transition(conversation.PhaseTransferred)
	s.addMessage(types.RoleAssistant, msgTransfer)
	s.settle(ctx, msgTransfer)
	return msgTransfer, nil
}

// settle records the reply, files the handoff followup the first time the
// dialogue reaches TRANSFERRED and publishes a new snapshot.
func (s *Session) settle(ctx context.Context, reply string) {
	s.mu.Lock()
	s.snap.LastResponse = reply
	s.mu.Unlock()

	if s.state.Phase == conversation.PhaseTransferred && !s.handedOff {
		s.handedOff = true
		s.requestCallback(ctx)
	}
	s.publish()
}

func (s *Session) requestCallback(ctx context.Context) {
	log := observe.Logger(ctx)
	excerpt := s.Transcript()
	if r := []rune(excerpt); len(r) > transcriptExcerpt {
		excerpt = string(r[:transcriptExcerpt])
	}
	r := followup.Request{
		ID:         uuid.NewString(),
		BusinessID: s.profile.ID,
		CallID:     s.id,
		CallerHash: s.callerHash,
		Reason:     followup.ReasonCallbackRequest,
		Summary:    "Operator transfer requested. Transcript: " + excerpt,
		Status:     followup.StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if !s.operatorAsked {
		r.Reason = followup.ReasonConfirmationCap
		r.Summary = fmt.Sprintf("Reservation not confirmed after %d attempts. Transcript: %s", s.state.Attempts, excerpt)
	}
	log.Info("call handed off", "reason", string(r.Reason))
	if s.followups == nil {
		return
	}
	if err := s.followups.Request(ctx, r); err != nil {
		log.Error("recording callback request failed", "err", err)
	}
}

// addMessage appends to the bounded history and the full transcript.
func (s *Session) addMessage(role types.Role, content string) {
	m := types.Message{Role: role, Content: content}
	s.history = append(s.history, m)
	if n := len(s.history); n > MaxHistory {
		s.history = slices.Clone(s.history[n-MaxHistory:])
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, m)
	s.mu.Unlock()
}

// publish copies the dialogue state into the snapshot. The caller holds
// turn, or is the constructor.
func (s *Session) publish() {
	snap := Snapshot{
		CallID:       s.id,
		BusinessID:   s.profile.ID,
		Phase:        s.state.Phase,
		Missing:      s.state.Missing(),
		Attempts:     s.state.Attempts,
		Alternatives: slices.Clone(s.state.Alternatives),
	}
	if p := s.state.Pending; p != nil {
		cp := *p
		snap.Pending = &cp
	}
	s.mu.Lock()
	snap.Turns = s.snap.Turns
	snap.Language = s.snap.Language
	snap.LastResponse = s.snap.LastResponse
	s.snap = snap
	s.mu.Unlock()
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Missing = slices.Clone(snap.Missing)
	snap.Alternatives = slices.Clone(snap.Alternatives)
	if snap.Pending != nil {
		cp := *snap.Pending
		snap.Pending = &cp
	}
	return snap
}

// Phase returns the dialogue phase.
func (s *Session) Phase() conversation.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Phase
}

// LastResponse implements [pipeline.Responder].
func (s *Session) LastResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.LastResponse
}

// Transferred implements [pipeline.Responder].
func (s *Session) Transferred() bool {
	return s.Phase() == conversation.PhaseTransferred
}

// History returns the bounded dialogue history.
func (s *Session) History() []types.Message {
	s.turn.Lock()
	defer s.turn.Unlock()
	return slices.Clone(s.history)
}

// Transcript returns every message of the call as "User: ..." and
// "Assistant: ..." lines.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for i, m := range s.transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch m.Role {
		case types.RoleUser:
			b.WriteString("User: ")
		default:
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Reset starts the dialogue over, keeping the call identity.
func (s *Session) Reset() {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.state = conversation.NewState()
	s.history = nil
	s.operatorAsked = false
	s.handedOff = false
	s.mu.Lock()
	s.transcript = nil
	s.snap.Turns = 0
	s.snap.LastResponse = ""
	s.mu.Unlock()
	s.publish()
}
