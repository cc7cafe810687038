package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/pkg/audio"
)

// speak synthesises text and streams it to the sender. A barge-in cancels
// the synthesis context; cancellation is checked between chunks so nothing
// is sent once it fires. If no audio arrives within the synthesis budget the
// utterance is dropped.
func (p *Pipeline) speak(ctx context.Context, text string) {
	if text == "" {
		p.mu.Lock()
		if p.state == StateProcessing {
			p.state = StateIdle
		}
		p.mu.Unlock()
		return
	}
	log := observe.Logger(ctx)

	sctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.state = StateSpeaking
	p.speakCancel = cancel
	sender, conv := p.sender, p.conv
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.speakCancel = nil
		if p.state == StateSpeaking {
			p.state = StateIdle
		}
		p.mu.Unlock()
	}()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	start := p.now()
	audioCh, err := p.ttsP.SynthesizeStream(sctx, textCh, p.cfg.Voice)
	if err != nil {
		log.Error("synthesis failed to start", "err", err)
		p.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return
	}
	p.metrics.RecordProviderRequest(ctx, "tts", "synthesize", "ok")
	// Unblock the producer whatever path returns first.
	defer func() { go audio.Drain(audioCh) }()

	timer := time.NewTimer(p.cfg.SynthesisTimeout)
	defer timer.Stop()

	var (
		chunk []byte
		ok    bool
	)
	select {
	case chunk, ok = <-audioCh:
		if !ok {
			return
		}
	case <-timer.C:
		log.Error("synthesis timed out, dropping utterance", "timeout", p.cfg.SynthesisTimeout, "chars", len(text))
		p.metrics.RecordProviderError(ctx, "tts", "timeout")
		return
	case <-sctx.Done():
		return
	}
	first := p.now().Sub(start)
	p.mu.Lock()
	p.stats.tts = append(p.stats.tts, first)
	p.mu.Unlock()
	p.metrics.TTSDuration.Record(ctx, first.Seconds())

	rate := p.ttsP.SampleRate()
	for {
		if sctx.Err() != nil {
			log.Debug("synthesis cancelled")
			return
		}
		out := conv.Encode(chunk, rate)
		if err := sender.SendAudio(sctx, out); err != nil {
			if sctx.Err() == nil {
				log.Warn("sending audio failed", "err", err)
			}
			return
		}
		p.mu.Lock()
		p.stats.bytesOut += len(out)
		p.stats.last = p.now()
		p.mu.Unlock()

		select {
		case chunk, ok = <-audioCh:
			if !ok {
				return
			}
		case <-sctx.Done():
			return
		}
	}
}
