package endpoint

import "strings"

// Mark is the per-frame classification verdict.
type Mark uint8

const (
	// Silence marks a frame classified as non-speech (or a frame whose
	// classification failed).
	Silence Mark = iota

	// Speech marks a frame classified as speech.
	Speech
)

// String returns "1" for speech and "_" for silence, the single-character
// encoding used in verdict strings.
func (m Mark) String() string {
	if m == Speech {
		return "1"
	}
	return "_"
}

// Verdicts is the ordered sequence of marks recorded for one turn, one mark
// per ingested frame.
type Verdicts []Mark

// String renders the sequence as a compact verdict string such as "__111_11__".
func (v Verdicts) String() string {
	var b strings.Builder
	b.Grow(len(v))
	for _, m := range v {
		if m == Speech {
			b.WriteByte('1')
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ParseVerdicts decodes a verdict string produced by [Verdicts.String]. Any
// character other than '1' is read as silence.
func ParseVerdicts(s string) Verdicts {
	v := make(Verdicts, len(s))
	for i := range len(s) {
		if s[i] == '1' {
			v[i] = Speech
		}
	}
	return v
}

// Bounds returns the indices of the first and last [Speech] marks. ok is
// false when the sequence contains no speech, in which case first and last
// are -1.
func (v Verdicts) Bounds() (first, last int, ok bool) {
	first, last = -1, -1
	for i, m := range v {
		if m != Speech {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return first, last, first >= 0
}

// Trimmed returns the sub-sequence from the first to the last speech mark
// inclusive. It returns nil when there is no speech. The result aliases v.
func (v Verdicts) Trimmed() Verdicts {
	first, last, ok := v.Bounds()
	if !ok {
		return nil
	}
	return v[first : last+1]
}

// SpeechCount returns the number of [Speech] marks in v.
func (v Verdicts) SpeechCount() int {
	n := 0
	for _, m := range v {
		if m == Speech {
			n++
		}
	}
	return n
}
