package callsession

import "strings"

// Response shaping limits for spoken replies.
const (
	maxResponseSentences = 2
	maxResponseChars     = 320
)

// NormalizeResponse prepares model output for speech: whitespace is
// collapsed, a sentence repeating the previous one is dropped, at most two
// sentences and 320 characters are kept and terminal punctuation is
// ensured. Empty input stays empty.
func NormalizeResponse(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}

	var kept []string
	for _, s := range splitSentences(text) {
		if n := len(kept); n > 0 && strings.EqualFold(kept[n-1], s) {
			continue
		}
		kept = append(kept, s)
		if len(kept) == maxResponseSentences {
			break
		}
	}
	out := strings.Join(kept, " ")

	if len(out) > maxResponseChars {
		cut := maxResponseChars
		// Do not split a multi-byte rune.
		for cut > 0 && !isRuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimRight(out[:cut], " ,")
	}
	if !endsSentence(out) {
		out += "."
	}
	return out
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if isTerminal(text[i]) && text[i+1] == ' ' {
			out = append(out, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminal(b byte) bool { return b == '.' || b == '!' || b == '?' }

func endsSentence(s string) bool {
	return s != "" && isTerminal(s[len(s)-1])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
