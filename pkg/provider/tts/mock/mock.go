// Package mock provides a test double for the tts.Provider interface.
//
// Provider records every synthesised text and emits scripted PCM chunks. Set
// ChunkDelay to pace the chunks so tests can interrupt synthesis mid-stream.
//
//	p := &mock.Provider{Chunks: [][]byte{pcmA, pcmB}, Rate: 16000}
//	audio, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the PCM emitted for every SynthesizeStream call.
	Chunks [][]byte

	// ChunkDelay is slept before each chunk is emitted.
	ChunkDelay time.Duration

	// Rate is returned by SampleRate. Zero means 16000.
	Rate int

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// Texts records the full text received by each SynthesizeStream call,
	// appended once the text channel closes.
	Texts []string

	// Voice is the profile passed to the most recent SynthesizeStream call.
	Voice types.VoiceProfile

	// Emitted counts chunks delivered to consumers across all calls.
	Emitted int
}

// SynthesizeStream records the call and emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.Voice = voice
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.ChunkDelay
	p.mu.Unlock()

	go func() {
		var sb strings.Builder
		for s := range text {
			sb.WriteString(s)
		}
		p.mu.Lock()
		p.Texts = append(p.Texts, sb.String())
		p.mu.Unlock()
	}()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
				p.mu.Lock()
				p.Emitted++
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SampleRate returns Rate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// ListVoices returns Voices and ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// SpokenTexts returns a copy of Texts. Thread-safe.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}

// EmittedCount returns Emitted. Thread-safe.
func (p *Provider) EmittedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Emitted
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
