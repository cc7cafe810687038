package callsession

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNormalizeResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"blank", "  \n\t ", ""},
		{"whitespace collapsed", "Namaste!\n\n  Kaise   madad karun?", "Namaste! Kaise madad karun?"},
		{"punctuation added", "Hum 11 baje khulte hain", "Hum 11 baje khulte hain."},
		{"two sentences kept", "Ek. Do. Teen.", "Ek. Do."},
		{"repeat dropped", "Ji haan. ji haan. Table available hai.", "Ji haan. Table available hai."},
		{"decimal not split", "Price is 4.5 thousand. Anything else? No.", "Price is 4.5 thousand. Anything else?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeResponse(tt.in); got != tt.want {
				t.Errorf("NormalizeResponse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeResponse_Truncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("बहुत अच्छा, ", 60)
	got := NormalizeResponse(long)
	if len(got) > maxResponseChars+1 {
		t.Errorf("len = %d, want <= %d", len(got), maxResponseChars+1)
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
	if !strings.HasSuffix(got, ".") || strings.HasSuffix(got, ",.") {
		t.Errorf("suffix of %q", got[len(got)-8:])
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float64
		p       float64
		want    float64
	}{
		{"empty", nil, 50, 0},
		{"single", []float64{120}, 99, 120},
		{"median odd", []float64{300, 100, 200}, 50, 200},
		{"interpolated", []float64{100, 200}, 50, 150},
		{"max", []float64{5, 1, 9, 3}, 100, 9},
		{"clamped", []float64{5, 1, 9, 3}, 250, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Percentile(tt.samples, tt.p); got != tt.want {
				t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}

	samples := []float64{300, 100, 200}
	Percentile(samples, 50)
	if samples[0] != 300 {
		t.Error("Percentile reordered its input")
	}
}

func TestLatencyOf(t *testing.T) {
	t.Parallel()

	var in []time.Duration
	for i := 1; i <= 100; i++ {
		in = append(in, time.Duration(i)*time.Millisecond)
	}
	l := LatencyOf(in)
	if l.P50 < 50 || l.P50 > 51 || l.P90 < 90 || l.P90 > 91 || l.P99 < 99 || l.P99 > 100 {
		t.Errorf("LatencyOf = %+v", l)
	}
	if z := LatencyOf(nil); z != (Latency{}) {
		t.Errorf("LatencyOf(nil) = %+v", z)
	}
}

func TestHashCaller(t *testing.T) {
	t.Parallel()

	a := HashCaller("+91 98765 43210", "pepper")
	if len(a) != 64 {
		t.Fatalf("hash %q is not hex sha256", a)
	}
	if b := HashCaller("09876543210", "pepper"); b != a {
		t.Errorf("equivalent numbers hash differently: %s vs %s", a, b)
	}
	if c := HashCaller("+91 98765 43210", "other"); c == a {
		t.Error("pepper ignored")
	}
	if HashCaller("anonymous", "pepper") != "" {
		t.Error("number without digits hashed")
	}
}
