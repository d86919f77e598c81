// Package silero provides a [vad.Engine] backed by the Silero VAD ONNX model
// through onnxruntime.
//
// The model scores fixed windows of 512 samples at 16 kHz (256 at 8 kHz),
// which do not line up with 10, 20 or 30 ms frames. Each session therefore
// buffers incoming samples, runs the model for every complete window and
// classifies a frame with the most recent window probability. A frame is
// speech when that probability reaches the threshold selected by the
// session's aggressiveness.
//
// The onnxruntime shared library is loaded once per process and never
// unloaded.
package silero

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// DefaultThresholds are the speech probabilities required for aggressiveness
// 0 through 3.
var DefaultThresholds = [4]float64{0.3, 0.5, 0.65, 0.8}

// DefaultLibraryPath is the onnxruntime shared library used when none is
// configured.
const DefaultLibraryPath = "libonnxruntime.so"

// model scores one window of mono samples. Implementations keep the
// recurrent state between calls.
type model interface {
	infer(window []float32) (float32, error)
	reset()
	close() error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLibraryPath sets the path of the onnxruntime shared library.
// Default: [DefaultLibraryPath].
func WithLibraryPath(path string) Option {
	return func(e *Engine) { e.libPath = path }
}

// WithThresholds overrides the per-aggressiveness probability thresholds.
func WithThresholds(t [4]float64) Option {
	return func(e *Engine) { e.thresholds = t }
}

// Engine creates Silero VAD sessions. Every session owns its own inference
// session and recurrent state.
type Engine struct {
	modelPath  string
	libPath    string
	thresholds [4]float64

	newModel func(sampleRate int) (model, error)
}

var _ vad.Engine = (*Engine)(nil)

// New initialises the onnxruntime environment and returns an Engine for the
// model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	e := &Engine{
		modelPath:  modelPath,
		libPath:    DefaultLibraryPath,
		thresholds: DefaultThresholds,
	}
	for _, o := range opts {
		o(e)
	}
	if err := validThresholds(e.thresholds); err != nil {
		return nil, err
	}
	if err := initEnvironment(e.libPath); err != nil {
		return nil, err
	}
	e.newModel = func(sampleRate int) (model, error) {
		return newONNXModel(e.modelPath, sampleRate)
	}
	return e, nil
}

func validThresholds(t [4]float64) error {
	for i, v := range t {
		if v <= 0 || v > 1 {
			return fmt.Errorf("silero: threshold for aggressiveness %d is %v, must be in (0, 1]", i, v)
		}
	}
	return nil
}

// windowSize returns the model window length in samples for sampleRate.
func windowSize(sampleRate int) (int, error) {
	switch sampleRate {
	case 8000:
		return 256, nil
	case 16000:
		return 512, nil
	}
	return 0, fmt.Errorf("silero: unsupported sample rate %d, must be 8000 or 16000", sampleRate)
}

// NewSession validates cfg and creates a session with its own model state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	window, err := windowSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	m, err := e.newModel(cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("silero: create model session: %w", err)
	}
	return &Session{
		model:      m,
		window:     window,
		frameBytes: cfg.FrameBytes(),
		channels:   cfg.Channels,
		threshold:  e.thresholds[cfg.Aggressiveness],
	}, nil
}

// Session classifies one audio stream. It is safe for concurrent use.
type Session struct {
	model      model
	window     int
	frameBytes int
	channels   int
	threshold  float64

	mu        sync.Mutex
	pending   []float32
	prob      float64
	wasSpeech bool
	closed    bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame adds frame to the pending samples, scores every complete
// window and reports the speech transition for the latest probability.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errors.New("silero: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	s.pending = append(s.pending, audio.Float32Mono(frame, s.channels)...)
	for len(s.pending) >= s.window {
		p, err := s.model.infer(s.pending[:s.window])
		if err != nil {
			return vad.VADEvent{}, fmt.Errorf("silero: inference: %w", err)
		}
		s.prob = float64(p)
		s.pending = s.pending[s.window:]
	}
	// Keep the backing array from growing without bound.
	s.pending = append(s.pending[:0:0], s.pending...)

	speech := s.prob >= s.threshold
	ev := vad.VADEvent{Type: vad.Transition(s.wasSpeech, speech), Probability: s.prob}
	s.wasSpeech = speech
	return ev, nil
}

// Reset clears the pending samples, the last probability and the model's
// recurrent state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.prob = 0
	s.wasSpeech = false
	s.model.reset()
}

// Close releases the model session. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.model.close()
}
