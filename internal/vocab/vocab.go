// Package vocab aligns transcripts with a configured vocabulary of names and
// domain terms that speech recognizers tend to misspell.
//
// A window of one or more transcript words is replaced by a term when the
// two share a Double Metaphone code and their Jaro-Winkler similarity reaches
// the phonetic threshold, or, without a shared code, when the similarity
// reaches the higher fuzzy threshold. Longer windows are tried first so
// multi-word terms win over single-word partial matches.
package vocab

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	DefaultPhoneticThreshold = 0.70
	DefaultFuzzyThreshold    = 0.85

	// minWindowRunes keeps short function words ("a", "to") from matching.
	minWindowRunes = 3

	maxJoinedDelta = 2
)

// Correction records one replacement made by [Vocabulary.Correct].
type Correction struct {
	Original  string  `json:"original"`
	Corrected string  `json:"corrected"`
	Score     float64 `json:"score"`
	Phonetic  bool    `json:"phonetic"`
}

// Option is a functional option for [New].
type Option func(*Vocabulary)

// WithPhoneticThreshold sets the Jaro-Winkler score required when a window
// and a term share a phonetic code. Default: 0.70.
func WithPhoneticThreshold(v float64) Option {
	return func(voc *Vocabulary) { voc.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the Jaro-Winkler score required without a shared
// phonetic code. Default: 0.85.
func WithFuzzyThreshold(v float64) Option {
	return func(voc *Vocabulary) { voc.fuzzyThreshold = v }
}

type term struct {
	text   string
	lower  string
	tokens []string
	joined string
	codes  map[string]struct{}
}

// Vocabulary holds prepared terms. It is read-only after construction and
// safe for concurrent use.
type Vocabulary struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares terms for matching. Blank and duplicate terms are dropped.
func New(terms []string, opts ...Option) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: DefaultPhoneticThreshold,
		fuzzyThreshold:    DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		lower := strings.ToLower(t)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   t,
			lower:  lower,
			tokens: tokens,
			joined: strings.Join(tokens, ""),
			codes:  metaphoneCodes(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of prepared terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Keywords returns the terms as recognition hints for providers that accept
// them.
func (v *Vocabulary) Keywords() []stt.KeywordBoost {
	out := make([]stt.KeywordBoost, len(v.terms))
	for i, t := range v.terms {
		out[i] = stt.KeywordBoost{Keyword: t.text, Boost: 1}
	}
	return out
}

// Correct rewrites text so that words resembling a vocabulary term use the
// term's spelling. Punctuation around a replaced window is preserved and
// whitespace is normalized to single spaces when anything changes.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	words := strings.Fields(text)
	if len(words) == 0 || len(v.terms) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(words))
	var corrections []Correction
	for i := 0; i < len(words); {
		n, c, ok := v.matchAt(words[i:])
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		lead, _, _ := splitPunct(words[i])
		_, _, trail := splitPunct(words[i+n-1])
		out = append(out, lead+c.Corrected+trail)
		if c.Original != c.Corrected {
			corrections = append(corrections, c)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// matchAt tries windows starting at words[0], longest first, and returns the
// number of words consumed by the best match.
func (v *Vocabulary) matchAt(words []string) (int, Correction, bool) {
	for n := min(v.maxWords, len(words)); n >= 1; n-- {
		window := windowText(words[:n])
		if len([]rune(window)) < minWindowRunes {
			continue
		}
		if t, score, phonetic, ok := v.best(window); ok {
			return n, Correction{Original: window, Corrected: t.text, Score: score, Phonetic: phonetic}, true
		}
	}
	return 0, Correction{}, false
}

// best returns the highest scoring term for window. Phonetic candidates are
// preferred over purely fuzzy ones.
func (v *Vocabulary) best(window string) (term, float64, bool, bool) {
	lower := strings.ToLower(window)
	tokens := strings.Fields(lower)
	codes := metaphoneCodes(tokens)

	var (
		found    term
		score    float64
		phonetic bool
		ok       bool
	)
	joined := strings.Join(tokens, "")
	for _, t := range v.terms {
		if t.lower == lower {
			return t, 1, true, true
		}
		// A window split differently from the term must spell about as
		// many letters, e.g. "elder nacks" for "Eldrinax".
		if len(tokens) != len(t.tokens) && abs(len(joined)-len(t.joined)) > maxJoinedDelta {
			continue
		}
		s := similarity(tokens, lower, t)
		if shares(codes, t.codes) {
			if s >= v.phoneticThreshold && (!phonetic || s > score) {
				found, score, phonetic, ok = t, s, true, true
			}
			continue
		}
		if !phonetic && s >= v.fuzzyThreshold && s > score {
			found, score, ok = t, s, true
		}
	}
	return found, score, phonetic, ok
}

// similarity is the Jaro-Winkler score of the window against the term,
// taking the better of the spaced and the joined spelling.
func similarity(tokens []string, lower string, t term) float64 {
	s := matchr.JaroWinkler(lower, t.lower, false)
	if len(tokens) > 1 || len(t.tokens) > 1 {
		s = max(s, matchr.JaroWinkler(strings.Join(tokens, ""), t.joined, false))
	}
	return s
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func shares(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// windowText joins words with their surrounding punctuation removed.
func windowText(words []string) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if _, core, _ := splitPunct(w); core != "" {
			parts = append(parts, core)
		}
	}
	return strings.Join(parts, " ")
}

// splitPunct splits w into leading punctuation, the core word and trailing
// punctuation.
func splitPunct(w string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(w, isWord)
	if start < 0 {
		return w, "", ""
	}
	end := strings.LastIndexFunc(w, isWord)
	_, size := utf8.DecodeRuneInString(w[end:])
	end += size
	return w[:start], w[start:end], w[end:]
}
