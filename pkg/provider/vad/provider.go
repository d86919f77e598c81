// Package vad defines the Engine interface for frame-level voice activity
// detection backends.
//
// A VAD engine wraps a per-frame speech classifier (an energy gate, WebRTC
// VAD, Silero, ...) and surfaces it as a per-stream session. Each session
// keeps its own state so that concurrent audio streams are classified
// independently.
//
// ProcessFrame is synchronous and is expected to return within one frame
// period; callers that cannot keep up are responsible for dropping frames.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// ErrFrameSize is returned by ProcessFrame when the supplied frame does not
// have the byte length implied by the session Config.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most VAD
	// models operate on fixed frame sizes of 10, 20 or 30 ms.
	FrameSizeMs int

	// Channels is the number of interleaved channels in each frame. Engines
	// that classify mono audio downmix internally.
	Channels int

	// Aggressiveness is the opaque tuning knob forwarded to the engine, in
	// [0, 3]. Higher values reject more non-speech at the cost of clipping
	// quiet speech.
	Aggressiveness int
}

// FrameBytes returns the byte length of one 16-bit PCM frame for c.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * c.Channels * 2
}

// Validate reports configuration values no engine can work with.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate %d must be positive", c.SampleRate))
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad: frame size %dms must be 10, 20 or 30", c.FrameSizeMs))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("vad: channel count %d must be positive", c.Channels))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad: aggressiveness %d must be in [0, 3]", c.Aggressiveness))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of raw little-endian 16-bit PCM at
	// the configured sample rate and frame size. Returns [ErrFrameSize] for a
	// frame of the wrong length, or an engine-specific error on internal
	// failure.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid or the engine cannot
	// allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
