// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a local Coqui
// server) and presents a uniform streaming interface. SynthesizeStream accepts
// a channel of text fragments and returns a channel of 16-bit little-endian
// mono PCM as it becomes available. The call pipeline converts that PCM to the
// telephony wire format at the rate reported by SampleRate.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/tablecall/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits PCM byte slices as they are synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel or cancel ctx.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis close the audio channel early; callers
	// should check ctx.Err() to distinguish cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// SampleRate returns the sample rate in Hz of the PCM emitted by
	// SynthesizeStream.
	SampleRate() int

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
