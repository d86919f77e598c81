// Package endpoint turns a stream of fixed-duration PCM frames into bounded
// utterances.
//
// A [Session] classifies each frame through an injected VAD session, keeps
// the frames of the current turn together with their verdicts, and decides
// with no look-ahead when the speaker has finished. The idle threshold is
// adaptive: before the first speech frame the session tolerates
// Config.InitialIdle of background audio (and then discards it), after
// speech starts a trailing silence of Config.SubsequentIdle ends the turn.
//
// On finalization the buffered frames are trimmed to the range between the
// first and last speech frame; pauses inside that range are preserved.
//
// A Session is single-writer and performs no I/O. Independent sessions
// share no state.
package endpoint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Stats counts the frames a session accepted and the non-fatal conditions it
// absorbed over its lifetime. Reset does not clear them.
type Stats struct {
	// Frames is the number of frames accepted into the buffer, including
	// those recorded as silence after a classifier failure.
	Frames int

	// MalformedFrames is the number of frames rejected for their length.
	MalformedFrames int

	// ClassifierFailures is the number of frames recorded as silence
	// because the classifier returned an error.
	ClassifierFailures int

	// NoiseResets is the number of times the pre-speech buffer was discarded
	// after exceeding the initial idle threshold.
	NoiseResets int
}

// Session is the per-stream endpointing state machine.
//
// Session is not safe for concurrent use.
type Session struct {
	cfg        Config
	frameBytes int
	minSpeech  int
	classifier vad.SessionHandle

	state     State
	buf       buffer
	threshold time.Duration
	trailing  time.Duration
	cause     Cause
	stats     Stats
}

// NewSession returns a session in [AwaitingFirstSpeech] that classifies
// frames through classifier. The session does not close classifier.
func NewSession(cfg Config, classifier vad.SessionHandle) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, fmt.Errorf("endpoint: classifier must not be nil")
	}
	return &Session{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		minSpeech:  cfg.MinSpeechFrames(),
		classifier: classifier,
		threshold:  cfg.InitialIdle,
	}, nil
}

// Ingest processes one frame.
//
// A frame of the wrong length is rejected with [ErrMalformedFrame] and
// leaves the session untouched. While the session is [Finalized] every frame
// is rejected with [ErrSessionFinalized]. A classifier error is logged and
// the frame is recorded as [Silence].
//
// Ingest returns [SignalUtteranceReady] exactly once per turn, on the frame
// at which the trailing silence first reaches the idle threshold (or the
// buffered duration reaches Config.MaxUtterance).
func (s *Session) Ingest(frame []byte) (Signal, error) {
	if s.state == Finalized {
		return SignalContinue, ErrSessionFinalized
	}
	if len(frame) != s.frameBytes {
		s.stats.MalformedFrames++
		return SignalContinue, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(frame), s.frameBytes)
	}

	s.stats.Frames++
	mark := Silence
	ev, err := s.classifier.ProcessFrame(frame)
	switch {
	case err != nil:
		s.stats.ClassifierFailures++
		slog.Warn("endpoint: classifier failed, treating frame as silence", "frame", s.buf.len(), "err", err)
	case ev.IsSpeech():
		mark = Speech
	}

	s.buf.push(frame, mark)

	if mark == Speech {
		s.trailing = 0
		if s.state == AwaitingFirstSpeech {
			s.state = ActiveSpeech
			s.threshold = s.cfg.SubsequentIdle
		}
	} else {
		switch s.state {
		case ActiveSpeech:
			s.trailing += s.cfg.FrameDuration
		case AwaitingFirstSpeech:
			if s.buffered() > s.cfg.InitialIdle {
				s.stats.NoiseResets++
				s.buf.clear()
			}
		}
	}

	if s.state != ActiveSpeech {
		return SignalContinue, nil
	}
	switch {
	case s.trailing >= s.threshold:
		s.finalize(CauseIdle)
	case s.cfg.MaxUtterance > 0 && s.buffered() >= s.cfg.MaxUtterance:
		s.finalize(CauseMaxDuration)
	default:
		return SignalContinue, nil
	}
	return SignalUtteranceReady, nil
}

// TakeFinalized extracts the finalized turn and resets the session. It
// returns [ErrNotFinalized] unless Ingest has returned
// [SignalUtteranceReady] since the last reset. The returned attempt has a
// nil Utterance when the turn held too little speech.
func (s *Session) TakeFinalized() (Attempt, error) {
	if s.state != Finalized {
		return Attempt{}, ErrNotFinalized
	}
	return s.extract(), nil
}

// ForceFinalize extracts whatever is buffered regardless of state, applying
// the same minimum-speech rule as TakeFinalized, and resets the session. It
// is meant for abrupt stream termination.
func (s *Session) ForceFinalize() Attempt {
	if s.state != Finalized {
		s.cause = CauseForced
	}
	return s.extract()
}

// Reset discards any buffered data and returns to [AwaitingFirstSpeech].
func (s *Session) Reset() {
	s.buf.clear()
	s.reset()
}

// State returns the current listening phase.
func (s *Session) State() State { return s.state }

// Len returns the number of buffered frames.
func (s *Session) Len() int { return s.buf.len() }

// Verdicts returns a copy of the verdict sequence buffered so far.
func (s *Session) Verdicts() Verdicts { return s.buf.verdicts() }

// Threshold returns the idle threshold currently in effect.
func (s *Session) Threshold() time.Duration { return s.threshold }

// Stats returns the session's lifetime counters.
func (s *Session) Stats() Stats { return s.stats }

// Config returns the parameters the session was created with.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) buffered() time.Duration {
	return time.Duration(s.buf.len()) * s.cfg.FrameDuration
}

func (s *Session) finalize(c Cause) {
	s.state = Finalized
	s.cause = c
}

func (s *Session) extract() Attempt {
	cause := s.cause
	u, v := extract(s.buf.take(), s.minSpeech, s.cfg.Format)
	s.reset()
	return Attempt{
		Utterance:     u,
		Verdicts:      v,
		FrameDuration: s.cfg.FrameDuration,
		Cause:         cause,
	}
}

func (s *Session) reset() {
	s.state = AwaitingFirstSpeech
	s.threshold = s.cfg.InitialIdle
	s.trailing = 0
	s.cause = CauseIdle
	s.classifier.Reset()
}
