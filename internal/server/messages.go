package server

import (
	"github.com/MrWong99/parley/internal/cadence"
	"github.com/MrWong99/parley/internal/vocab"
)

// Control message types sent by the client as JSON text messages.
const (
	// CtlAudioEnded asks the server to finalize whatever is buffered.
	CtlAudioEnded = "client_audio_ended"

	// CtlTTSComplete tells the server the client finished playing its
	// response and is ready to be listened to again.
	CtlTTSComplete = "tts_complete"

	// CtlResume is an alias of CtlTTSComplete for clients without playback.
	CtlResume = "resume"

	// CtlReset discards the buffered turn.
	CtlReset = "reset"
)

// Reply message types sent by the server as JSON text messages.
const (
	MsgReady       = "ready"
	MsgUtterance   = "utterance"
	MsgNoUtterance = "no_utterance"
	MsgWarning     = "warning"
)

// Warning kinds raised by the connection itself. Turn warnings use the kinds
// defined by package turn.
const (
	WarnMalformedFrame = "malformed_frame"
	WarnDecodeFailure  = "decode_failure"
	WarnInvalidControl = "invalid_control"
)

type controlMessage struct {
	Type string `json:"type"`
}

// ReadyMessage announces that the server is listening and describes the
// frames it expects.
type ReadyMessage struct {
	Type          string `json:"type"`
	Encoding      string `json:"encoding"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameMs       int    `json:"frame_ms"`
	PCMFrameBytes int    `json:"pcm_frame_bytes"`
}

// UtteranceMessage reports an accepted utterance.
type UtteranceMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Cause      string          `json:"cause"`
	Transcript string          `json:"transcript"`
	Provider   string          `json:"provider,omitempty"`
	AudioRef   string          `json:"audio_ref,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Verdicts   string          `json:"verdicts"`
	Metrics    cadence.Metrics `json:"metrics"`

	Corrections []vocab.Correction `json:"corrections,omitempty"`
}

// NoUtteranceMessage reports a turn that held too little speech.
type NoUtteranceMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Cause    string `json:"cause"`
	Verdicts string `json:"verdicts"`
}

// WarningMessage reports a non-fatal problem.
type WarningMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
