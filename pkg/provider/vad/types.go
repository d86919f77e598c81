package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech score in [0.0, 1.0]. Engines without a
	// probabilistic model report 0 or 1.
	Probability float64
}

// IsSpeech reports whether the frame was classified as speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates the first non-speech frame after speech.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns a short lowercase name for t.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	}
	return "unknown"
}

// Transition returns the event type for a frame given whether the previous
// frame was speech and whether this one is.
func Transition(wasSpeech, isSpeech bool) VADEventType {
	switch {
	case isSpeech && !wasSpeech:
		return VADSpeechStart
	case isSpeech:
		return VADSpeechContinue
	case wasSpeech:
		return VADSpeechEnd
	}
	return VADSilence
}
