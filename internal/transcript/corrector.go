// Package transcript fixes recognition errors in the names callers say:
// the restaurant's own name, dish names and other configured keywords.
//
// Speech recognition tuned for Hindi and English regularly mangles proper
// nouns ("spice gardan", "paneer tika"). A [Corrector] slides n-gram windows
// over a final transcript and replaces a window with a keyword when the two
// sound alike (Double Metaphone codes overlap and Jaro-Winkler similarity is
// high) or, failing that, when they are spelled almost alike. A window is
// only compared with keywords of the same word count, so a lone "spice" is
// never expanded into "Spice Garden".
//
// A Corrector is read-only after construction and safe for concurrent use.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.93

	// minTokenLen is the shortest single word considered for correction.
	// Shorter words are mostly Hindi particles that alias too easily.
	minTokenLen = 4
)

// Correction is one substitution.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64

	// Phonetic is true when the keyword matched by sound, false when it
	// matched by spelling alone.
	Phonetic bool
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score of a window
// whose sound matches a keyword. Default: 0.85.
func WithPhoneticThreshold(t float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = t }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score of a window that
// only matches by spelling. Default: 0.93.
func WithFuzzyThreshold(t float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = t }
}

type keyword struct {
	text   string
	lower  string
	concat string
	codes  map[string]struct{}
}

// Corrector rewrites transcripts against a fixed keyword list.
type Corrector struct {
	byWords           map[int][]keyword
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Corrector for keywords. Blank and duplicate keywords are
// ignored; matching is case-insensitive.
func New(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		byWords:           make(map[int][]keyword),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	seen := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		k = strings.Join(strings.Fields(k), " ")
		lower := strings.ToLower(k)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		c.byWords[len(tokens)] = append(c.byWords[len(tokens)], keyword{
			text:   k,
			lower:  lower,
			concat: strings.Join(tokens, ""),
			codes:  codesFor(tokens),
		})
		c.maxWords = max(c.maxWords, len(tokens))
	}
	return c
}

// Len reports the number of distinct keywords.
func (c *Corrector) Len() int {
	n := 0
	for _, ks := range c.byWords {
		n += len(ks)
	}
	return n
}

// Correct returns text with misheard keywords replaced, and the list of
// replacements. Longer windows win over shorter ones at the same position.
// Whitespace is normalised to single spaces when anything is replaced.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil || c.maxWords == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n, corr, ok := c.matchAt(tokens, i)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, corr.Corrected)
		if corr.Original != corr.Corrected {
			corrections = append(corrections, corr)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// matchAt tries windows starting at tokens[i], longest first.
func (c *Corrector) matchAt(tokens []string, i int) (int, Correction, bool) {
	for n := min(c.maxWords, len(tokens)-i); n >= 1; n-- {
		candidates := c.byWords[n]
		if len(candidates) == 0 {
			continue
		}
		window := tokens[i : i+n]
		// Compare without surrounding punctuation.
		words := make([]string, n)
		for j, t := range window {
			words[j] = strings.ToLower(strings.Trim(t, ".,!?;:\"'"))
		}
		if n == 1 && len([]rune(words[0])) < minTokenLen {
			continue
		}
		k, score, phonetic, ok := c.best(words, candidates)
		if !ok {
			continue
		}
		orig := strings.Join(window, " ")
		corrected := k.text
		if k.lower == strings.Join(words, " ") {
			// Already right; keep the caller's casing and punctuation.
			corrected = orig
		}
		return n, Correction{
			Original:   orig,
			Corrected:  corrected,
			Confidence: score,
			Phonetic:   phonetic,
		}, true
	}
	return 0, Correction{}, false
}

// best ranks candidates against the lowercased window words. Phonetic
// matches outrank spelling-only matches.
func (c *Corrector) best(words []string, candidates []keyword) (keyword, float64, bool, bool) {
	lower := strings.Join(words, " ")
	concat := strings.Join(words, "")
	codes := codesFor(words)

	var (
		best      keyword
		bestScore float64
		bestPhon  bool
		found     bool
	)
	for _, k := range candidates {
		if k.lower == lower {
			return k, 1, true, true
		}
		score := max(matchr.JaroWinkler(lower, k.lower, false),
			matchr.JaroWinkler(concat, k.concat, false))
		phonetic := overlaps(codes, k.codes)
		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhon || score > bestScore {
				best, bestScore, bestPhon, found = k, score, true, true
			}
		case !bestPhon && score >= c.fuzzyThreshold && score > bestScore:
			best, bestScore, found = k, score, true
		}
	}
	return best, bestScore, bestPhon, found
}

// codesFor returns the Double Metaphone codes of every token.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
