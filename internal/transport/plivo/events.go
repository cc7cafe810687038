// Package plivo connects phone calls placed through Plivo to the voice
// pipeline.
//
// Plivo first calls the answer webhook, which registers the call and
// answers with Stream XML. Plivo then opens a bidirectional audio stream
// over a websocket: inbound "start", "media", "dtmf" and "stop" events carry
// caller audio and keypad digits, outbound "playAudio" and "clearAudio"
// events carry the bot's speech.
package plivo

import (
	"encoding/xml"

	"github.com/MrWong99/tablecall/pkg/audio"
)

// Wire format Plivo streams in.
var defaultFormat = audio.Format{SampleRate: 8000, Encoding: audio.EncodingMulaw}

type inboundEvent struct {
	Event string      `json:"event"`
	Start *startEvent `json:"start,omitempty"`
	Media *mediaEvent `json:"media,omitempty"`
	DTMF  *dtmfEvent  `json:"dtmf,omitempty"`
}

type startEvent struct {
	StreamID    string      `json:"streamId"`
	CallID      string      `json:"callId"`
	MediaFormat mediaFormat `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
}

type mediaEvent struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
}

type dtmfEvent struct {
	Digit string `json:"digit"`
}

type playAudio struct {
	Event string      `json:"event"`
	Media playPayload `json:"media"`
}

type playPayload struct {
	ContentType string `json:"contentType"`
	SampleRate  int    `json:"sampleRate"`
	Payload     string `json:"payload"`
}

type clearAudio struct {
	Event    string `json:"event"`
	StreamID string `json:"streamId"`
}

// format returns the wire format announced by a start event, falling back
// to 8 kHz mu-law.
func (m mediaFormat) format() audio.Format {
	f := defaultFormat
	if enc, err := audio.ParseEncoding(m.Encoding); err == nil {
		f.Encoding = enc
	}
	if m.SampleRate > 0 {
		f.SampleRate = m.SampleRate
	}
	return f
}

func contentType(f audio.Format) string {
	if f.Encoding == audio.EncodingMulaw {
		return "audio/x-mulaw"
	}
	return "audio/x-l16"
}

// ---- answer XML ----

type xmlResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Speak   *xmlSpeak  `xml:"Speak,omitempty"`
	Stream  *xmlStream `xml:"Stream,omitempty"`
	Hangup  *xmlHangup `xml:"Hangup,omitempty"`
}

type xmlSpeak struct {
	Text string `xml:",chardata"`
}

type xmlStream struct {
	Bidirectional  bool   `xml:"bidirectional,attr"`
	KeepCallAlive  bool   `xml:"keepCallAlive,attr"`
	ContentType    string `xml:"contentType,attr"`
	StatusCallback string `xml:"statusCallbackUrl,attr,omitempty"`
	URL            string `xml:",chardata"`
}

type xmlHangup struct {
	Reason string `xml:"reason,attr,omitempty"`
}
