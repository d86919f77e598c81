package stt

import (
	"strings"
	"time"
)

// Transcript is a speech-to-text result for one utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Language is the language the provider recognized, when reported.
	Language string

	// Duration is the length of the transcribed audio.
	Duration time.Duration

	// Provider names the backend that produced the transcript. Set by
	// failover wrappers so callers can tell which backend answered.
	Provider string
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// KeywordPrompt joins keyword texts into a comma-separated prompt for
// backends that accept an initial prompt instead of boosts.
func KeywordPrompt(kws []KeywordBoost) string {
	parts := make([]string, 0, len(kws))
	for _, kw := range kws {
		if kw.Keyword != "" {
			parts = append(parts, kw.Keyword)
		}
	}
	return strings.Join(parts, ", ")
}
