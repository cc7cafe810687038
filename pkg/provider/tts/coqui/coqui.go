// Package coqui provides a TTS provider backed by a locally running Coqui TTS
// server (ghcr.io/coqui-ai/tts-cpu). It is the offline fallback voice of the
// phone agent when the hosted provider is unavailable.
//
// The server synthesises one utterance per HTTP request, so SynthesizeStream
// splits incoming text into sentences and issues one GET /api/tts per
// sentence, keeping a small number of requests in flight while preserving
// output order.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithOutputSampleRate(16000))
//	audio, err := p.SynthesizeStream(ctx, textCh, types.VoiceProfile{})
package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/tablecall/pkg/audio"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout    = 15 * time.Second
	defaultOutputRate = 16000
	apiTTSEndpoint    = "/api/tts"
	detailsEndpoint   = "/details"

	// lookahead is the number of synthesis requests allowed in flight.
	lookahead = 3

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 3200
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language_id sent to multilingual models.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputSampleRate sets the rate the synthesised PCM is resampled to.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider targeting the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.outputRate)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.outputRate }

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. The audio channel closes early on
// the first failed sentence.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	pending := make(chan chan result, lookahead)

	// Dispatcher: split into sentences and start one request per sentence.
	go func() {
		defer close(pending)
		var buf strings.Builder
		dispatch := func(sentence string) bool {
			res := make(chan result, 1)
			select {
			case pending <- res:
			case <-ctx.Done():
				return false
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				res <- result{pcm: pcm, err: err}
			}()
			return true
		}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						dispatch(rest)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					i := sentenceEnd(s)
					if i < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[i+1:])
					if sentence := strings.TrimSpace(s[:i+1]); sentence != "" {
						if !dispatch(sentence) {
							return
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Collector: emit results in dispatch order.
	go func() {
		defer close(out)
		for res := range pending {
			var r result
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return out, nil
}

// synthesize performs a single GET /api/tts request and returns PCM at the
// configured output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	q := url.Values{}
	q.Set("text", sentence)
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV: %w", err)
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.channels != 1 {
		return nil, fmt.Errorf("coqui: unsupported channel count %d", info.channels)
	}
	pcm := wav[info.dataOffset:]
	if info.sampleRate != p.outputRate {
		pcm = audio.ResampleMono16(pcm, info.sampleRate, p.outputRate)
	}
	return pcm, nil
}

// ListVoices returns one profile per speaker of a multi-speaker model, or a
// single profile named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: list voices: unexpected status %d", resp.StatusCode)
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: list voices: decode: %w", err)
	}

	if len(details.Speakers) == 0 {
		return []types.VoiceProfile{{
			ID:       "",
			Name:     details.ModelName,
			Provider: "coqui",
			Language: details.Language,
		}}, nil
	}
	voices := make([]types.VoiceProfile, 0, len(details.Speakers))
	for _, s := range details.Speakers {
		voices = append(voices, types.VoiceProfile{ID: s, Name: s, Provider: "coqui", Language: details.Language})
	}
	return voices, nil
}

// sentenceEnd returns the index of the first '.', '!', '?' or '।' that ends
// s or is followed by whitespace, or -1.
func sentenceEnd(s string) int {
	runes := []rune(s)
	offset := 0
	for i, r := range runes {
		size := len(string(r))
		if r == '.' || r == '!' || r == '?' || r == '।' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				return offset + size - 1
			}
		}
		offset += size
	}
	return -1
}

type wavInfo struct {
	dataOffset int
	sampleRate int
	channels   int
}

// parseWAV walks the RIFF chunks of wav and returns the PCM data offset and
// the format from the "fmt " chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}

	info := wavInfo{sampleRate: 22050, channels: 1}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(wav) {
				f := wav[off+8:]
				info.channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.dataOffset = off + 8
			return info, nil
		}
		off += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV data chunk not found")
}
