package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/tablecall/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 8000, 8000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	// 2 samples at 8kHz -> 4 samples at 16kHz (2x)
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if got[1] != 1500 {
		t.Errorf("interpolated sample: got %d, want 1500", got[1])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	got := bytesToSamples(audio.ResampleMono16(pcm, 16000, 8000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 || got[1] != 300 {
		t.Errorf("got %v, want [100 300]", got)
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 16000}, {16000, 0}, {-1, 8000}} {
		out := audio.ResampleMono16(pcm, rates[0], rates[1])
		if len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestMulawRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000, 32767, -32768}
	for _, s := range tests {
		enc := audio.PCM16ToMulaw(samplesToBytes([]int16{s}))
		if len(enc) != 1 {
			t.Fatalf("PCM16ToMulaw(%d) returned %d bytes, want 1", s, len(enc))
		}
		dec := bytesToSamples(audio.MulawToPCM16(enc))[0]

		// mu-law quantisation error grows with magnitude.
		diff := abs32(int32(dec) - int32(s))
		limit := abs32(int32(s))/16 + 264
		if diff > limit {
			t.Errorf("round trip %d -> 0x%02x -> %d, error %d exceeds %d", s, enc[0], dec, diff, limit)
		}
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestMulawDecodeEncodeStable(t *testing.T) {
	t.Parallel()
	for u := 0; u < 256; u++ {
		if u == 0x7F {
			// negative zero encodes back to positive zero
			continue
		}
		pcm := audio.MulawToPCM16([]byte{byte(u)})
		got := audio.PCM16ToMulaw(pcm)[0]
		if got != byte(u) {
			t.Errorf("encode(decode(0x%02x)) = 0x%02x", u, got)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MulawToPCM16([]byte{0xFF, 0xFF}))
	for i, s := range got {
		if s != 0 {
			t.Errorf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestConverter_DecodeMulaw(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Wire: audio.Format{SampleRate: 8000, Encoding: audio.EncodingMulaw}, Rate: 16000}
	// 160 bytes of mu-law = 20ms at 8kHz -> 320 samples at 16kHz.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	out := c.Decode(payload)
	if len(out) != 640 {
		t.Fatalf("decoded %d bytes, want 640", len(out))
	}
}

func TestConverter_DecodeOddPCM(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Wire: audio.Format{SampleRate: 16000, Encoding: audio.EncodingLinear16}, Rate: 16000}
	if out := c.Decode([]byte{1, 2, 3}); out != nil {
		t.Errorf("Decode(odd) = %v, want nil", out)
	}
}

func TestConverter_Encode(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Wire: audio.Format{SampleRate: 8000, Encoding: audio.EncodingMulaw}, Rate: 16000}
	pcm := samplesToBytes(make([]int16, 320)) // 20ms at 16kHz
	out := c.Encode(pcm, 16000)
	if len(out) != 160 {
		t.Fatalf("encoded %d bytes, want 160", len(out))
	}
	for i, b := range out {
		if b != 0xFF {
			t.Fatalf("byte %d = 0x%02x, want 0xff (silence)", i, b)
		}
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: []int16{0, 0, 0, 0}, want: 0},
		{name: "square", samples: []int16{1000, -1000, 1000, -1000}, want: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.RMS(samplesToBytes(tt.samples)); got != tt.want {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSpeech(t *testing.T) {
	t.Parallel()
	loud := samplesToBytes([]int16{2000, -2000, 2000, -2000})
	quiet := samplesToBytes([]int16{10, -10, 10, -10})
	if !audio.IsSpeech(loud, 500) {
		t.Error("IsSpeech(loud) = false, want true")
	}
	if audio.IsSpeech(quiet, 500) {
		t.Error("IsSpeech(quiet) = true, want false")
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    audio.Encoding
		wantErr bool
	}{
		{in: "audio/x-mulaw", want: audio.EncodingMulaw},
		{in: "mulaw", want: audio.EncodingMulaw},
		{in: "audio/x-l16", want: audio.EncodingLinear16},
		{in: "linear16", want: audio.EncodingLinear16},
		{in: "opus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := audio.ParseEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEncoding(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if got := audio.Duration(make([]byte, 320), 8000); got != 20 {
		t.Errorf("Duration = %d, want 20", got)
	}
}
