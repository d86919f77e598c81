package silero

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeModel returns scripted probabilities, one per window, then 0.
type fakeModel struct {
	probs   []float32
	windows [][]float32
	resets  int
	closes  int
	err     error
}

func (m *fakeModel) infer(window []float32) (float32, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.windows = append(m.windows, append([]float32(nil), window...))
	if len(m.probs) == 0 {
		return 0, nil
	}
	p := m.probs[0]
	m.probs = m.probs[1:]
	return p, nil
}

func (m *fakeModel) reset() { m.resets++ }

func (m *fakeModel) close() error {
	m.closes++
	return nil
}

func testEngine(m *fakeModel) *Engine {
	return &Engine{
		thresholds: DefaultThresholds,
		newModel:   func(int) (model, error) { return m, nil },
	}
}

var cfg = vad.Config{SampleRate: 16000, FrameSizeMs: 20, Channels: 1, Aggressiveness: 1}

// frame20 is one 20 ms frame at 16 kHz (320 samples).
var frame20 = audio.Int16sToBytes(make([]int16, 320))

func newSession(t *testing.T, m *fakeModel, c vad.Config) vad.SessionHandle {
	t.Helper()
	sess, err := testEngine(m).NewSession(c)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSession_BuffersFramesIntoWindows(t *testing.T) {
	m := &fakeModel{probs: []float32{0.9, 0.1}}
	sess := newSession(t, m, cfg)
	defer sess.Close()

	// 320-sample frames against a 512-sample window: windows complete on
	// the 2nd and 4th frame.
	tests := []struct {
		want vad.VADEventType
		prob float64
	}{
		{vad.VADSilence, 0},
		{vad.VADSpeechStart, float64(float32(0.9))},
		{vad.VADSpeechContinue, float64(float32(0.9))},
		{vad.VADSpeechEnd, float64(float32(0.1))},
	}
	for i, tt := range tests {
		ev, err := sess.ProcessFrame(frame20)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != tt.want || ev.Probability != tt.prob {
			t.Errorf("frame %d: got %v (p=%v), want %v (p=%v)", i, ev.Type, ev.Probability, tt.want, tt.prob)
		}
	}
	if len(m.windows) != 2 {
		t.Fatalf("inference runs = %d, want 2", len(m.windows))
	}
	for i, w := range m.windows {
		if len(w) != 512 {
			t.Errorf("window %d has %d samples, want 512", i, len(w))
		}
	}
}

func TestSession_AggressivenessSelectsThreshold(t *testing.T) {
	tests := []struct {
		aggressiveness int
		wantSpeech     bool
	}{
		{0, true},
		{1, true},
		{2, false},
		{3, false},
	}
	for _, tt := range tests {
		m := &fakeModel{probs: []float32{0.6}}
		c := cfg
		c.Aggressiveness = tt.aggressiveness
		c.FrameSizeMs = 30 // 480 samples, so the second frame completes a window
		sess := newSession(t, m, c)
		frame := audio.Int16sToBytes(make([]int16, 480))
		if _, err := sess.ProcessFrame(frame); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		ev, err := sess.ProcessFrame(frame)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.IsSpeech() != tt.wantSpeech {
			t.Errorf("aggressiveness %d: speech = %v, want %v", tt.aggressiveness, ev.IsSpeech(), tt.wantSpeech)
		}
		sess.Close()
	}
}

func TestSession_DownmixesStereo(t *testing.T) {
	m := &fakeModel{}
	c := cfg
	c.Channels = 2
	sess := newSession(t, m, c)
	defer sess.Close()

	s := make([]int16, 640)
	for i := range s {
		if i%2 == 0 {
			s[i] = 16384
		}
	}
	stereo := audio.Int16sToBytes(s)
	for range 2 {
		if _, err := sess.ProcessFrame(stereo); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}
	if len(m.windows) != 1 {
		t.Fatalf("inference runs = %d, want 1", len(m.windows))
	}
	if got := m.windows[0][0]; got != 0.25 {
		t.Errorf("first sample = %v, want 0.25 (average of 0.5 and 0)", got)
	}
}

func TestSession_ResetClearsPendingSamples(t *testing.T) {
	m := &fakeModel{}
	sess := newSession(t, m, cfg)
	defer sess.Close()

	if _, err := sess.ProcessFrame(frame20); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	sess.Reset()
	if _, err := sess.ProcessFrame(frame20); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if len(m.windows) != 0 {
		t.Errorf("inference runs = %d, want 0 after reset", len(m.windows))
	}
	if m.resets != 1 {
		t.Errorf("model resets = %d, want 1", m.resets)
	}
}

func TestSession_Errors(t *testing.T) {
	m := &fakeModel{}
	sess := newSession(t, m, cfg)

	if _, err := sess.ProcessFrame(frame20[:100]); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("short frame: err = %v, want ErrFrameSize", err)
	}

	m.err = errors.New("runtime fault")
	sess.ProcessFrame(frame20)
	if _, err := sess.ProcessFrame(frame20); err == nil || !strings.Contains(err.Error(), "runtime fault") {
		t.Errorf("inference failure: err = %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if m.closes != 1 {
		t.Errorf("model closed %d times, want 1", m.closes)
	}
	if _, err := sess.ProcessFrame(frame20); err == nil {
		t.Error("ProcessFrame after Close succeeded")
	}
}

func TestEngine_NewSessionValidation(t *testing.T) {
	eng := testEngine(&fakeModel{})
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"unsupported rate", vad.Config{SampleRate: 48000, FrameSizeMs: 20, Channels: 1}},
		{"bad frame size", vad.Config{SampleRate: 16000, FrameSizeMs: 25, Channels: 1}},
		{"bad aggressiveness", vad.Config{SampleRate: 8000, FrameSizeMs: 20, Channels: 1, Aggressiveness: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.NewSession(tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("empty model path: expected error")
	}
	if _, err := New("model.onnx", WithThresholds([4]float64{0.3, 0, 0.5, 0.8})); err == nil {
		t.Error("zero threshold: expected error")
	}
}

// TestONNXModel runs the real model when both the model file and the
// onnxruntime library are available.
func TestONNXModel(t *testing.T) {
	modelPath := os.Getenv("PARLEY_TEST_SILERO_MODEL")
	libPath := os.Getenv("PARLEY_TEST_ONNXRUNTIME_LIB")
	if modelPath == "" || libPath == "" {
		t.Skip("PARLEY_TEST_SILERO_MODEL and PARLEY_TEST_ONNXRUNTIME_LIB not set")
	}
	eng, err := New(modelPath, WithLibraryPath(libPath))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := eng.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	for i := range 25 {
		ev, err := sess.ProcessFrame(frame20)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.IsSpeech() {
			t.Errorf("frame %d: digital silence classified as speech (p=%v)", i, ev.Probability)
		}
	}
}
