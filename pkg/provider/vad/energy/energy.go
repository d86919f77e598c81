// Package energy provides a pure-Go [vad.Engine] that classifies frames by
// their RMS energy.
//
// The gate is stateless per frame: a frame is speech when its RMS level is at
// or above the threshold selected by the session's aggressiveness. It has no
// model files and no cgo, which makes it the default engine and the one used
// in tests.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// DefaultThresholds are the RMS levels (in 16-bit sample units) used for
// aggressiveness 0 through 3.
var DefaultThresholds = [4]float64{300, 500, 800, 1200}

// Engine creates energy-gated VAD sessions.
type Engine struct {
	thresholds [4]float64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithThresholds overrides the per-aggressiveness RMS thresholds.
func WithThresholds(t [4]float64) Option {
	return func(e *Engine) { e.thresholds = t }
}

// New returns an Engine with [DefaultThresholds] unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{thresholds: DefaultThresholds}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a session bound to it.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{
		frameBytes: cfg.FrameBytes(),
		channels:   cfg.Channels,
		threshold:  e.thresholds[cfg.Aggressiveness],
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy gate. It is safe for concurrent use.
type Session struct {
	frameBytes int
	channels   int
	threshold  float64

	mu        sync.Mutex
	wasSpeech bool
	closed    bool
}

// ProcessFrame classifies frame and reports the speech transition relative
// to the previous frame.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	level := audio.RMS(audio.Downmix(frame, s.channels))
	speech := level >= s.threshold

	ev := vad.VADEvent{Type: vad.Transition(s.wasSpeech, speech)}
	if speech {
		ev.Probability = 1
	}
	s.wasSpeech = speech
	return ev, nil
}

// Reset forgets whether the previous frame was speech.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasSpeech = false
}

// Close marks the session closed. Subsequent ProcessFrame calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
