package callsession

import (
	"slices"
	"time"
)

// Percentile returns the p-th percentile of samples using linear
// interpolation between the closest ranks. It returns 0 for no samples.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	s := slices.Clone(samples)
	slices.Sort(s)
	p = min(max(p, 0), 100)
	pos := float64(len(s)-1) * p / 100
	lo := int(pos)
	if lo+1 >= len(s) {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo] + (s[lo+1]-s[lo])*frac
}

// Latency summarises one pipeline stage in milliseconds.
type Latency struct {
	P50, P90, P99 float64
}

// LatencyOf summarises samples.
func LatencyOf(samples []time.Duration) Latency {
	ms := make([]float64, len(samples))
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	return Latency{
		P50: Percentile(ms, 50),
		P90: Percentile(ms, 90),
		P99: Percentile(ms, 99),
	}
}
