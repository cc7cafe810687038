package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Failed recognition starts are retried after a delay that doubles up to
// maxRecognitionRetry. Audio keeps buffering meanwhile.
const (
	minRecognitionRetry = 250 * time.Millisecond
	maxRecognitionRetry = 5 * time.Second
)

// recognize opens a recognition stream, feeds it buffered audio and turns
// its utterance boundaries into turn jobs. It runs until ctx ends, the
// buffer is closed or the stream fails; the next inbound chunk restarts it
// after a failure, once the retry delay has passed.
func (p *Pipeline) recognize(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.recognizing = false
		p.mu.Unlock()
	}()
	log := observe.Logger(ctx)

	sess, err := p.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate:     p.cfg.SampleRate,
		Channels:       1,
		Encoding:       "linear16",
		Language:       p.cfg.Language,
		DetectLanguage: true,
		EndpointingMs:  p.cfg.EndpointingMs,
		Keywords:       p.cfg.Keywords,
	})
	if err != nil {
		p.mu.Lock()
		if p.state == StateListening {
			p.state = StateIdle
		}
		p.sttBackoff = min(max(2*p.sttBackoff, minRecognitionRetry), maxRecognitionRetry)
		p.sttRetryAt = p.now().Add(p.sttBackoff)
		retry := p.sttBackoff
		p.mu.Unlock()
		if ctx.Err() == nil {
			log.Error("recognition stream failed to start", "err", err, "retry_in", retry)
			p.metrics.RecordProviderError(ctx, "stt", "stream")
		}
		return
	}
	p.metrics.RecordProviderRequest(ctx, "stt", "stream", "ok")
	p.mu.Lock()
	p.session = sess
	p.sttBackoff = 0
	p.mu.Unlock()

	// The stream ends when either side stops.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		defer cancel()
		p.collect(sctx, sess)
	}()

	p.feed(sctx, sess)
	cancel()
	if err := sess.Close(); err != nil {
		log.Warn("closing recognition stream", "err", err)
	}
	<-collected
}

// feed forwards buffered audio to the recognition stream.
func (p *Pipeline) feed(ctx context.Context, sess stt.SessionHandle) {
	poll := time.Duration(p.cfg.EndpointingMs) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	for {
		chunk := p.buf.Get(ctx, poll)
		if chunk == nil {
			if ctx.Err() != nil || p.buf.Closed() {
				return
			}
			continue
		}
		if err := sess.SendAudio(chunk); err != nil {
			observe.Logger(ctx).Error("sending audio to recognition", "err", err)
			p.metrics.RecordProviderError(ctx, "stt", "stream")
			return
		}
	}
}

// collect accumulates final fragments and emits a turn at each utterance
// boundary. An utterance that outlives the recognition budget is discarded
// and the caller is asked to repeat.
func (p *Pipeline) collect(ctx context.Context, sess stt.SessionHandle) {
	var (
		parts []string
		lang  string
	)
	tick := max(p.cfg.RecognitionTimeout/5, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	partials, finals := sess.Partials(), sess.Finals()
	for {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			p.heard(ctx, t)

		case t, ok := <-finals:
			if !ok {
				return
			}
			p.heard(ctx, t)
			if text := strings.TrimSpace(t.Text); t.IsFinal && text != "" {
				parts = append(parts, text)
				if t.Language != "" {
					lang = t.Language
				}
			}
			if !t.SpeechFinal {
				continue
			}
			text := strings.Join(parts, " ")
			parts = nil
			p.endUtterance()
			if text == "" {
				continue
			}
			p.mu.Lock()
			p.stats.turns++
			p.mu.Unlock()
			if err := p.enqueue(ctx, job{kind: jobTurn, text: text, lang: lang}); err != nil {
				return
			}

		case <-ticker.C:
			if !p.utteranceExpired() {
				continue
			}
			observe.Logger(ctx).Warn("recognition timed out, asking caller to repeat",
				"timeout", p.cfg.RecognitionTimeout, "discarded_fragments", len(parts))
			parts = nil
			p.endUtterance()
			if err := p.enqueue(ctx, job{kind: jobSay, text: MsgPleaseRepeat}); err != nil {
				return
			}
		}
	}
}

// heard records recognition latency on the first recognised word of an
// utterance.
func (p *Pipeline) heard(ctx context.Context, t types.Transcript) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	p.mu.Lock()
	if p.heardWord || p.utteranceStart.IsZero() {
		p.mu.Unlock()
		return
	}
	p.heardWord = true
	d := p.now().Sub(p.utteranceStart)
	p.stats.stt = append(p.stats.stt, d)
	p.mu.Unlock()
	p.metrics.STTDuration.Record(ctx, d.Seconds())
}

func (p *Pipeline) endUtterance() {
	p.mu.Lock()
	p.utteranceStart = time.Time{}
	p.heardWord = false
	p.mu.Unlock()
}

func (p *Pipeline) utteranceExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.utteranceStart.IsZero() && p.now().Sub(p.utteranceStart) > p.cfg.RecognitionTimeout
}
