package audio

import "fmt"

// Encoding identifies the sample encoding of an audio stream on the wire.
type Encoding int

const (
	// EncodingLinear16 is little-endian signed 16-bit PCM, the canonical
	// in-process representation.
	EncodingLinear16 Encoding = iota

	// EncodingMulaw is 8-bit G.711 mu-law, the usual telephony encoding.
	EncodingMulaw
)

// String returns the wire name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingLinear16:
		return "linear16"
	case EncodingMulaw:
		return "mulaw"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps a transport encoding name to an [Encoding]. It accepts
// the spellings used by telephony providers ("audio/x-mulaw", "mulaw",
// "audio/x-l16", "linear16").
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "mulaw", "ulaw", "audio/x-mulaw", "audio/x-ulaw", "pcmu":
		return EncodingMulaw, nil
	case "linear16", "l16", "audio/x-l16", "pcm", "pcm16":
		return EncodingLinear16, nil
	default:
		return 0, fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// Format describes the wire format of a mono audio stream.
type Format struct {
	SampleRate int
	Encoding   Encoding
}

// String returns e.g. "8000Hz mulaw".
func (f Format) String() string {
	return fmt.Sprintf("%dHz %s", f.SampleRate, f.Encoding)
}
