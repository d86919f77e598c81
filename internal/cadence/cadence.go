// Package cadence derives speaking-pattern metrics from a verdict segment and
// the transcript of the same utterance.
package cadence

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/endpoint"
)

// Metrics is a read-only speaking-pattern snapshot. Durations are in seconds
// and, like the rates, rounded to two decimal places.
type Metrics struct {
	// Segment is the verdict sub-sequence the metrics were computed from.
	Segment string `json:"segment"`

	TotalDuration    float64 `json:"total_active_duration_seconds"`
	SpeechTime       float64 `json:"speech_time_seconds"`
	PauseTime        float64 `json:"internal_pause_time_seconds"`
	NumPauses        int     `json:"num_internal_pauses"`
	AvgPauseDuration float64 `json:"avg_internal_pause_duration_seconds"`

	WordCount int `json:"word_count"`
	CharCount int `json:"characters_spoken_count"`

	WPMSpeaking    float64 `json:"wpm_speaking"`
	WPMTotalActive float64 `json:"wpm_total_active"`
	CPSSpeaking    float64 `json:"cps_speaking"`
}

// Compute returns the metrics for segment, the verdicts from the first to the
// last speech frame of an utterance (empty when there was no speech), given
// the transcript and the duration each verdict covers. It is pure.
func Compute(segment endpoint.Verdicts, transcript string, frame time.Duration) Metrics {
	perFrame := frame.Seconds()

	var speech, pauses int
	for i, m := range segment {
		if m == endpoint.Speech {
			speech++
			continue
		}
		if i == 0 || segment[i-1] == endpoint.Speech {
			pauses++
		}
	}
	silence := len(segment) - speech

	total := float64(len(segment)) * perFrame
	speechTime := float64(speech) * perFrame
	pauseTime := float64(silence) * perFrame

	words := len(strings.Fields(transcript))
	chars := utf8.RuneCountInString(transcript)

	return Metrics{
		Segment:          segment.String(),
		TotalDuration:    round2(total),
		SpeechTime:       round2(speechTime),
		PauseTime:        round2(pauseTime),
		NumPauses:        pauses,
		AvgPauseDuration: round2(ratio(pauseTime, float64(pauses))),
		WordCount:        words,
		CharCount:        chars,
		WPMSpeaking:      round2(ratio(float64(words), speechTime/60)),
		WPMTotalActive:   round2(ratio(float64(words), total/60)),
		CPSSpeaking:      round2(ratio(float64(chars), speechTime)),
	}
}

// ratio returns n/d, or 0 when d is not positive.
func ratio(n, d float64) float64 {
	if d <= 0 {
		return 0
	}
	return n / d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
