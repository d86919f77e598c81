package audio

import (
	"fmt"
	"time"
)

// Format describes raw interleaved little-endian PCM audio.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for speech capture, 48000 for WebRTC).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BytesPerSample is the width of one sample of one channel. Only 2
	// (16-bit signed) is produced by the decoders in this module.
	BytesPerSample int
}

// Mono16k is the format expected by whisper-family transcribers.
var Mono16k = Format{SampleRate: 16000, Channels: 1, BytesPerSample: 2}

// BitDepth returns the sample width in bits.
func (f Format) BitDepth() int { return f.BytesPerSample * 8 }

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample
}

// SamplesPerFrame returns the number of samples per channel in a frame of
// duration d.
func (f Format) SamplesPerFrame(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// FrameBytes returns the exact byte length of one frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	return f.SamplesPerFrame(d) * f.Channels * f.BytesPerSample
}

// Duration returns the playback duration of n bytes in this format. It
// returns 0 for an invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Validate reports whether the format can describe PCM data.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", f.Channels)
	}
	if f.BytesPerSample <= 0 {
		return fmt.Errorf("audio: bytes per sample %d must be positive", f.BytesPerSample)
	}
	return nil
}

// String renders the format as "16000Hz/1ch/16bit".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth())
}
