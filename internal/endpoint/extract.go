package endpoint

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Utterance is the trimmed audio of one accepted turn. It owns its slices;
// the session that produced it keeps no reference.
type Utterance struct {
	// Audio is the concatenation of frames First through Last inclusive.
	Audio []byte

	// Format describes Audio.
	Format audio.Format

	// First and Last are the indices of the first and last speech frame in
	// the attempt's full verdict sequence.
	First, Last int
}

// Duration returns the playback length of the audio.
func (u *Utterance) Duration() time.Duration {
	return u.Format.Duration(len(u.Audio))
}

// Attempt is the outcome of one finalized turn. Every finalization produces
// an Attempt, including turns that yield no utterance, so callers can log
// each attempt.
type Attempt struct {
	// Utterance is nil when the turn held too little speech.
	Utterance *Utterance

	// Verdicts is the full, untrimmed verdict sequence of the turn.
	Verdicts Verdicts

	// FrameDuration is the duration each verdict covers.
	FrameDuration time.Duration

	// Cause records what ended the turn.
	Cause Cause
}

// Empty reports whether the attempt yielded no utterance.
func (a Attempt) Empty() bool { return a.Utterance == nil }

// Segment returns the verdicts from the first to the last speech mark, or
// nil when the turn contains no speech.
func (a Attempt) Segment() Verdicts { return a.Verdicts.Trimmed() }

// extract trims entries to the speech-bounded range and assembles the
// attempt. It yields no utterance when there is no speech or when fewer than
// minSpeech frames inside [first, last] are speech.
func extract(entries []entry, minSpeech int, f audio.Format) (u *Utterance, v Verdicts) {
	v = make(Verdicts, len(entries))
	for i, e := range entries {
		v[i] = e.mark
	}

	first, last, ok := v.Bounds()
	if !ok || v[first:last+1].SpeechCount() < minSpeech {
		return nil, v
	}

	size := 0
	for _, e := range entries[first : last+1] {
		size += len(e.frame)
	}
	pcm := make([]byte, 0, size)
	for _, e := range entries[first : last+1] {
		pcm = append(pcm, e.frame...)
	}
	return &Utterance{Audio: pcm, Format: f, First: first, Last: last}, v
}
