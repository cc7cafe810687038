// Package pipeline runs the real-time audio loop of one phone call: caller
// audio is buffered and streamed to speech recognition, finished utterances
// are answered by a [Responder], and the answer is synthesised and streamed
// back through a [Sender].
//
// # States
//
// A Pipeline moves through Idle, Listening, Processing and Speaking. Caller
// speech detected while Speaking interrupts synthesis (barge-in): the
// transport is told to drop queued audio and the pipeline returns to
// Listening.
//
// Turns are processed strictly in arrival order by a single worker goroutine.
// Recognition runs on its own goroutines so caller audio keeps flowing while
// the bot is thinking or speaking.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/pkg/audio"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Spoken fallbacks.
const (
	// MsgFallback replaces a reply that failed or timed out.
	MsgFallback = "I'm sorry, I'm having trouble right now. Please hold, or I can have someone call you back on WhatsApp."

	// MsgPleaseRepeat is spoken when an utterance exceeds the recognition
	// budget.
	MsgPleaseRepeat = "Maaf kijiye, main theek se sun nahi paayi. Kya aap dobara bol sakte hain?"

	// MsgAskRepeat answers "*" before the bot has said anything.
	MsgAskRepeat = "Kya aap apna sawaal dobara pooch sakte hain?"
)

var (
	// ErrNotConfigured is returned by audio and DTMF methods before
	// [Pipeline.Configure].
	ErrNotConfigured = errors.New("pipeline: not configured")

	// ErrFinalized is returned after [Pipeline.Finalize].
	ErrFinalized = errors.New("pipeline: finalized")
)

// State is the pipeline state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateInterrupted
)

var stateNames = [...]string{"idle", "listening", "processing", "speaking", "interrupted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Sender delivers audio to the caller. Payloads are in the wire format given
// to [Pipeline.Configure].
type Sender interface {
	SendAudio(ctx context.Context, payload []byte) error

	// ClearAudio discards audio queued at the transport but not yet played.
	ClearAudio(ctx context.Context) error
}

// Utterance is one finished caller utterance.
type Utterance struct {
	Text string

	// Language is the language reported by recognition, if any.
	Language string
}

// Reply is the answer to an [Utterance].
type Reply struct {
	Text string

	// FirstToken is the time to the first generated token. Zero when no
	// model was involved.
	FirstToken time.Duration
}

// Responder produces what the bot says. Its methods are only called from the
// pipeline's turn worker and never concurrently.
type Responder interface {
	// Respond answers a caller utterance. A returned error makes the pipeline
	// speak [MsgFallback].
	Respond(ctx context.Context, u Utterance) (Reply, error)

	// Confirm handles the "#" key.
	Confirm(ctx context.Context) (string, error)

	// RequestTransfer handles the "0" key.
	RequestTransfer(ctx context.Context) (string, error)

	// LastResponse is the last reply, repeated on "*".
	LastResponse() string

	// Transferred reports whether the call was handed to a human.
	Transferred() bool
}

// Config holds per-call pipeline settings.
type Config struct {
	// SampleRate is the canonical PCM rate fed to recognition.
	SampleRate int

	BargeIn          bool
	BargeInThreshold float64

	// RecognitionTimeout bounds one utterance from its first speech to the
	// recogniser's utterance boundary.
	RecognitionTimeout time.Duration

	// GenerationTimeout bounds [Responder.Respond].
	GenerationTimeout time.Duration

	// SynthesisTimeout bounds the wait for the first synthesised chunk.
	SynthesisTimeout time.Duration

	// Greeting is spoken by [Pipeline.SendGreeting].
	Greeting string

	// Language is the primary recognition language.
	Language string

	// EndpointingMs is the trailing silence that ends an utterance.
	EndpointingMs int

	Keywords []types.KeywordBoost
	Voice    types.VoiceProfile

	// BufferSize is the inbound chunk capacity.
	BufferSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		BargeIn:            true,
		BargeInThreshold:   500,
		RecognitionTimeout: 10 * time.Second,
		GenerationTimeout:  15 * time.Second,
		SynthesisTimeout:   10 * time.Second,
		Greeting:           "Namaste! Main aapki kya madad kar sakti hoon?",
		Language:           "hi",
		EndpointingMs:      1000,
		BufferSize:         audio.DefaultBufferSize,
	}
}

// withDefaults fills zero fields from [DefaultConfig]. BargeIn is taken as
// given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.BargeInThreshold <= 0 {
		c.BargeInThreshold = d.BargeInThreshold
	}
	if c.RecognitionTimeout <= 0 {
		c.RecognitionTimeout = d.RecognitionTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = d.GenerationTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = d.SynthesisTimeout
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.Greeting == "" {
		c.Greeting = d.Greeting
	}
	if c.EndpointingMs <= 0 {
		c.EndpointingMs = d.EndpointingMs
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithConfig replaces [DefaultConfig]. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(p *Pipeline) { p.cfg = c.withDefaults() }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBusinessID labels the call metrics recorded by [Pipeline.Finalize].
func WithBusinessID(id string) Option {
	return func(p *Pipeline) { p.businessID = id }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type jobKind int

const (
	jobTurn jobKind = iota
	jobSay
	jobDTMF
)

type job struct {
	kind jobKind
	text string
	lang string
}

// Pipeline is the audio loop of one call. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	cfg        Config
	responder  Responder
	sttP       stt.Provider
	ttsP       tts.Provider
	metrics    *observe.Metrics
	businessID string
	now        func() time.Time

	buf  *audio.Buffer
	jobs chan job

	mu          sync.Mutex
	state       State
	sender      Sender
	conv        *audio.Converter
	ctx         context.Context
	cancel      context.CancelFunc
	configured  bool
	finalized   bool
	summary     Summary
	recognizing bool
	session     stt.SessionHandle

	// sttRetryAt holds recognition restarts back after a failed start.
	sttRetryAt time.Time
	sttBackoff time.Duration
	speakCancel context.CancelFunc

	// utteranceStart is when caller speech of the current utterance was
	// first heard; zero between utterances.
	utteranceStart time.Time
	heardWord      bool

	stats stats

	wg sync.WaitGroup
}

// New returns an idle Pipeline. Call [Pipeline.Configure] once the transport
// stream has started.
func New(responder Responder, sttP stt.Provider, ttsP tts.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       DefaultConfig(),
		responder: responder,
		sttP:      sttP,
		ttsP:      ttsP,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.buf = audio.NewBuffer(p.cfg.BufferSize)
	p.jobs = make(chan job, 16)
	p.stats.start = p.now()
	p.stats.last = p.stats.start
	return p
}

// Configure sets the wire format and the sender and starts the turn worker.
// The worker lives until ctx ends or [Pipeline.Finalize] is called. Calling
// Configure again swaps format and sender, as happens when a transport
// stream restarts.
func (p *Pipeline) Configure(ctx context.Context, wire audio.Format, sender Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	p.conv = &audio.Converter{Wire: wire, Rate: p.cfg.SampleRate}
	p.sender = sender
	if !p.configured {
		p.configured = true
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(1)
		go p.runTurns(p.ctx)
	}
	observe.Logger(ctx).Info("pipeline configured",
		"wire", wire.String(), "sample_rate", p.cfg.SampleRate, "barge_in", p.cfg.BargeIn)
	return nil
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(ctx context.Context, s State) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old != s {
		observe.Logger(ctx).Debug("pipeline state", "from", old.String(), "to", s.String())
	}
}

// SendGreeting queues the configured greeting.
func (p *Pipeline) SendGreeting(ctx context.Context) error {
	return p.enqueue(ctx, job{kind: jobSay, text: p.cfg.Greeting})
}

// ProcessChunk handles one inbound wire payload. Speech heard while the bot
// is speaking interrupts it when barge-in is enabled. The chunk is then
// buffered for recognition, which is started on first use.
func (p *Pipeline) ProcessChunk(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return ErrFinalized
	}
	if !p.configured {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	pcm := p.conv.Decode(payload)
	p.stats.bytesIn += len(payload)
	p.stats.last = p.now()
	speech := audio.IsSpeech(pcm, p.cfg.BargeInThreshold)

	if speech && p.cfg.BargeIn && p.state == StateSpeaking {
		p.state = StateInterrupted
		if p.speakCancel != nil {
			p.speakCancel()
		}
		p.stats.bargeIns++
		sender := p.sender
		p.mu.Unlock()

		p.metrics.BargeIns.Add(ctx, 1)
		observe.Logger(ctx).Info("barge-in detected")
		if err := sender.ClearAudio(ctx); err != nil {
			observe.Logger(ctx).Warn("clear audio failed", "err", err)
		}

		p.mu.Lock()
		if p.state == StateInterrupted {
			p.state = StateListening
		}
	}

	if p.state == StateIdle {
		p.state = StateListening
	}
	if speech && p.state == StateListening && p.utteranceStart.IsZero() {
		p.utteranceStart = p.now()
	}
	if len(pcm) > 0 {
		p.buf.Append(pcm)
	}
	if !p.recognizing && !p.now().Before(p.sttRetryAt) {
		p.recognizing = true
		p.wg.Add(1)
		go p.recognize(p.ctx)
	}
	p.mu.Unlock()
	return nil
}

// HandleDTMF queues a keypad digit: "0" asks for an operator, "*" repeats
// the last reply and "#" confirms a pending reservation. Other digits are
// ignored.
func (p *Pipeline) HandleDTMF(ctx context.Context, digit string) error {
	switch digit {
	case "0", "*", "#":
	default:
		observe.Logger(ctx).Info("ignoring dtmf digit", "digit", digit)
		return nil
	}
	return p.enqueue(ctx, job{kind: jobDTMF, text: digit})
}

func (p *Pipeline) enqueue(ctx context.Context, j job) error {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return ErrFinalized
	}
	if !p.configured {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	done := p.ctx.Done()
	p.mu.Unlock()

	select {
	case p.jobs <- j:
		return nil
	case <-done:
		return ErrFinalized
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTurns is the turn worker.
func (p *Pipeline) runTurns(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.handle(ctx, j)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobTurn:
		p.setState(ctx, StateProcessing)
		p.speak(ctx, p.generate(ctx, Utterance{Text: j.text, Language: j.lang}))
	case jobSay:
		p.speak(ctx, j.text)
	case jobDTMF:
		p.speak(ctx, p.dtmf(ctx, j.text))
	}
}

// generate asks the responder for a reply within the generation budget.
func (p *Pipeline) generate(ctx context.Context, u Utterance) string {
	log := observe.Logger(ctx)
	log.Info("processing utterance", "chars", len(u.Text), "language", u.Language)

	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	reply, err := p.responder.Respond(gctx, u)
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("generation timed out", "timeout", p.cfg.GenerationTimeout)
		} else {
			log.Error("generation failed", "err", err)
		}
		return MsgFallback
	}
	if reply.FirstToken > 0 {
		p.mu.Lock()
		p.stats.llm = append(p.stats.llm, reply.FirstToken)
		p.mu.Unlock()
		p.metrics.LLMDuration.Record(ctx, reply.FirstToken.Seconds())
	}
	if strings.TrimSpace(reply.Text) == "" {
		return MsgFallback
	}
	return reply.Text
}

func (p *Pipeline) dtmf(ctx context.Context, digit string) string {
	log := observe.Logger(ctx)
	log.Info("dtmf received", "digit", digit)

	var (
		text string
		err  error
	)
	switch digit {
	case "0":
		text, err = p.responder.RequestTransfer(ctx)
	case "*":
		if text = p.responder.LastResponse(); text == "" {
			text = MsgAskRepeat
		}
	case "#":
		text, err = p.responder.Confirm(ctx)
	}
	if err != nil {
		log.Error("dtmf handling failed", "digit", digit, "err", err)
		return MsgFallback
	}
	return text
}
