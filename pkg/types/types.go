// Package types defines the shared types used across tablecall packages.
//
// These types form the lingua franca between the speech and language
// providers, the call pipeline and the conversation layer. Each package
// defines its own domain types; cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Interim, final and utterance-closing results all use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates the provider will not revise this segment again.
	IsFinal bool

	// SpeechFinal marks the end of a caller utterance: the provider detected
	// an endpoint (silence) after this segment. Only set on final segments.
	SpeechFinal bool

	// Language is the detected BCP-47 language hint (e.g. "hi", "en").
	// Empty when the provider does not report one.
	Language string

	// Confidence is the overall confidence score (0.0-1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the segment started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the segment.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Role is the author of a dialogue [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	Role    Role
	Content string
}

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the preferred synthesis language (e.g. "hi", "en").
	Language string

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool

	// SupportsJSONMode indicates the model can be constrained to emit a
	// single JSON object.
	SupportsJSONMode bool
}

// KeywordBoost represents a keyword to boost in STT recognition, such as the
// restaurant name or dish names a caller is likely to say.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
