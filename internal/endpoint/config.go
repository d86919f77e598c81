package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config holds the endpointing parameters for one session. Durations are
// converted to frame counts using FrameDuration.
type Config struct {
	// Format describes the PCM carried by each frame.
	Format audio.Format

	// FrameDuration is the fixed duration of one classification frame:
	// 10, 20 or 30 ms.
	FrameDuration time.Duration

	// InitialIdle bounds how much non-speech audio is buffered before the
	// first speech frame. Once exceeded, the buffer is cleared.
	InitialIdle time.Duration

	// SubsequentIdle is the trailing silence that ends a turn once speech has
	// been detected.
	SubsequentIdle time.Duration

	// MinSpeech is the minimum amount of detected speech between the first
	// and last speech frame for a turn to yield an utterance.
	MinSpeech time.Duration

	// MaxUtterance caps the buffered duration while speech is active. When the
	// cap is reached the turn is finalized as if the idle threshold had been
	// met. Zero disables the cap.
	MaxUtterance time.Duration
}

// DefaultConfig returns the parameters the service ships with: 16 kHz mono
// 16-bit PCM in 20 ms frames, 3 s initial idle, 2.5 s subsequent idle,
// 300 ms minimum speech and no duration cap.
func DefaultConfig() Config {
	return Config{
		Format:         audio.Mono16k,
		FrameDuration:  20 * time.Millisecond,
		InitialIdle:    3000 * time.Millisecond,
		SubsequentIdle: 2500 * time.Millisecond,
		MinSpeech:      300 * time.Millisecond,
	}
}

// FrameBytes returns the exact byte length every ingested frame must have.
func (c Config) FrameBytes() int {
	return c.Format.FrameBytes(c.FrameDuration)
}

// MinSpeechFrames returns MinSpeech expressed in whole frames (truncating).
func (c Config) MinSpeechFrames() int {
	if c.FrameDuration <= 0 {
		return 0
	}
	return int(c.MinSpeech / c.FrameDuration)
}

// Validate reports every invalid parameter in c.
func (c Config) Validate() error {
	var errs []error
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.FrameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond:
	default:
		errs = append(errs, fmt.Errorf("endpoint: frame duration %v must be 10ms, 20ms or 30ms", c.FrameDuration))
	}
	if c.InitialIdle <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: initial idle %v must be positive", c.InitialIdle))
	}
	if c.SubsequentIdle <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: subsequent idle %v must be positive", c.SubsequentIdle))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("endpoint: min speech %v must not be negative", c.MinSpeech))
	}
	if c.MaxUtterance < 0 {
		errs = append(errs, fmt.Errorf("endpoint: max utterance %v must not be negative", c.MaxUtterance))
	}
	if len(errs) == 0 && c.FrameBytes() == 0 {
		errs = append(errs, fmt.Errorf("endpoint: %s at %v yields empty frames", c.Format, c.FrameDuration))
	}
	return errors.Join(errs...)
}
