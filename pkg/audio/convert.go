package audio

import (
	"log/slog"
	"math"
	"sync"
)

// Converter translates between a transport wire format and canonical 16-bit
// PCM at a fixed internal sample rate. It logs a warning the first time it
// sees corrupt input. Create one per stream.
type Converter struct {
	// Wire is the transport-side format negotiated at stream start.
	Wire Format

	// Rate is the canonical sample rate used inside the pipeline.
	Rate int

	warnedCorrupt sync.Once
}

// Decode converts a wire payload to canonical PCM at c.Rate.
func (c *Converter) Decode(payload []byte) []byte {
	var pcm []byte
	switch c.Wire.Encoding {
	case EncodingMulaw:
		pcm = MulawToPCM16(payload)
	default:
		if len(payload)%2 != 0 {
			c.warnedCorrupt.Do(func() {
				slog.Warn("audio converter: odd byte count in PCM payload, dropping frame",
					"bytes", len(payload),
					"format", c.Wire.String(),
				)
			})
			return nil
		}
		pcm = payload
	}
	return ResampleMono16(pcm, c.Wire.SampleRate, c.Rate)
}

// Encode converts canonical PCM produced at srcRate to the wire format.
func (c *Converter) Encode(pcm []byte, srcRate int) []byte {
	pcm = ResampleMono16(pcm, srcRate, c.Wire.SampleRate)
	if c.Wire.Encoding == EncodingMulaw {
		return PCM16ToMulaw(pcm)
	}
	return pcm
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToPCM16 decodes G.711 mu-law bytes to little-endian int16 PCM.
func MulawToPCM16(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := mulawDecode(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw encodes little-endian int16 PCM to G.711 mu-law. A trailing
// odd byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = mulawEncode(s)
	}
	return out
}

func mulawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func mulawEncode(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// RMS returns the root-mean-square amplitude of 16-bit PCM samples. Silence
// is 0; a full-scale square wave is 32767.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// IsSpeech reports whether the chunk's RMS energy exceeds threshold.
func IsSpeech(pcm []byte, threshold float64) bool {
	return RMS(pcm) > threshold
}

// Duration returns how long the PCM chunk plays at rate, in milliseconds.
func Duration(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / rate
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
