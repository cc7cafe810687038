// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. Once opened, a session accepts raw audio and
// emits two streams of Transcript values: low-latency partials and committed
// finals. Finals carry the utterance-boundary flag (SpeechFinal) that the call
// pipeline uses to decide when the caller has finished a turn.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/tablecall/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000;
	// the pipeline's canonical rate is 16000.
	SampleRate int

	// Channels is the number of audio channels. Calls are always mono.
	Channels int

	// Encoding is the sample encoding of the audio sent to SendAudio
	// ("linear16" or "mulaw"). Empty means linear16.
	Encoding string

	// Language is the primary BCP-47 language for recognition (e.g. "hi").
	Language string

	// DetectLanguage asks the provider to report the spoken language per
	// segment, if supported.
	DetectLanguage bool

	// EndpointingMs is the trailing silence, in milliseconds, after which
	// the provider closes an utterance. Zero uses the provider default.
	EndpointingMs int

	// Keywords is a list of vocabulary hints (restaurant name, dishes).
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live provider
// connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio to the provider. Calling SendAudio
	// after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim Transcript values. The channel is closed when
	// the session ends.
	Partials() <-chan types.Transcript

	// Finals emits committed Transcript values, including utterance
	// boundaries (SpeechFinal). The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session and releases its resources. After Close
	// returns, the Partials and Finals channels are closed. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
