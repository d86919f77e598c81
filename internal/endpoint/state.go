package endpoint

// State is the listening phase of a [Session].
type State int

const (
	// AwaitingFirstSpeech is the initial state: no speech seen this turn.
	AwaitingFirstSpeech State = iota

	// ActiveSpeech is entered on the first speech frame of a turn.
	ActiveSpeech

	// Finalized is terminal for the turn. The session accepts no frames until
	// the utterance is taken or the session is reset.
	Finalized
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AwaitingFirstSpeech:
		return "awaiting_first_speech"
	case ActiveSpeech:
		return "active_speech"
	case Finalized:
		return "finalized"
	}
	return "unknown"
}

// Signal is the outcome of ingesting one frame.
type Signal int

const (
	// SignalContinue means the turn is still in progress.
	SignalContinue Signal = iota

	// SignalUtteranceReady means the turn just finalized; call
	// [Session.TakeFinalized].
	SignalUtteranceReady
)

// String returns "continue" or "utterance_ready".
func (s Signal) String() string {
	if s == SignalUtteranceReady {
		return "utterance_ready"
	}
	return "continue"
}

// Cause records why a turn was finalized.
type Cause int

const (
	// CauseIdle: trailing silence reached the subsequent idle threshold.
	CauseIdle Cause = iota

	// CauseMaxDuration: the buffered turn reached the configured cap.
	CauseMaxDuration

	// CauseForced: the caller invoked ForceFinalize.
	CauseForced
)

// String returns the cause name used in logs and metric attributes.
func (c Cause) String() string {
	switch c {
	case CauseIdle:
		return "idle"
	case CauseMaxDuration:
		return "max_duration"
	case CauseForced:
		return "forced"
	}
	return "unknown"
}
