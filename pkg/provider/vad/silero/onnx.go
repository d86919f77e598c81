package silero

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the onnxruntime library. Only the first call's path
// is used.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return fmt.Errorf("silero: initialise onnxruntime: %w", envErr)
	}
	return nil
}

// contextSize returns how many trailing samples of the previous window are
// prepended to the next one.
func contextSize(sampleRate int) int {
	if sampleRate == 16000 {
		return 64
	}
	return 32
}

// onnxModel binds preallocated tensors to one inference session. Inputs are
// written into the tensors' backing slices before each run.
type onnxModel struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	state   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	stateN  *ort.Tensor[float32]

	context []float32
}

func newONNXModel(modelPath string, sampleRate int) (*onnxModel, error) {
	window, err := windowSize(sampleRate)
	if err != nil {
		return nil, err
	}
	ctxLen := contextSize(sampleRate)
	m := &onnxModel{context: make([]float32, ctxLen)}

	if m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(ctxLen+window))); err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	if m.sr, err = ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)}); err != nil {
		m.close()
		return nil, fmt.Errorf("sr tensor: %w", err)
	}
	if m.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		m.close()
		return nil, fmt.Errorf("state tensor: %w", err)
	}
	if m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		m.close()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	if m.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		m.close()
		return nil, fmt.Errorf("stateN tensor: %w", err)
	}
	m.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input", "sr", "state"},
		[]string{"output", "stateN"},
		[]ort.Value{m.input, m.sr, m.state},
		[]ort.Value{m.output, m.stateN},
		nil,
	)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("load %s: %w", modelPath, err)
	}
	return m, nil
}

func (m *onnxModel) infer(window []float32) (float32, error) {
	in := m.input.GetData()
	n := copy(in, m.context)
	copy(in[n:], window)

	if err := m.session.Run(); err != nil {
		return 0, err
	}

	copy(m.state.GetData(), m.stateN.GetData())
	copy(m.context, in[len(in)-len(m.context):])
	return m.output.GetData()[0], nil
}

func (m *onnxModel) reset() {
	clear(m.state.GetData())
	clear(m.context)
}

func (m *onnxModel) close() error {
	var firstErr error
	destroy := func(d interface{ Destroy() error }) {
		if err := d.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.session != nil {
		destroy(m.session)
	}
	for _, t := range []*ort.Tensor[float32]{m.input, m.state, m.output, m.stateN} {
		if t != nil {
			destroy(t)
		}
	}
	if m.sr != nil {
		destroy(m.sr)
	}
	return firstErr
}
