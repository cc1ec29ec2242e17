//go:build !windows

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kidney-classifier/internal/core"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// Backend runs exported classifiers with onnxruntime. It only does inference;
// building and training models needs the plugin backend.
type Backend struct{}

// NewBackend initializes the onnxruntime environment once per process, using
// the shared library at dylib when it is set.
func NewBackend(dylib string) (*Backend, error) {
	initOnce.Do(func() {
		if dylib != "" {
			ort.SetSharedLibraryPath(dylib)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("error initializing onnxruntime: %w", initErr)
	}
	return &Backend{}, nil
}

func (b *Backend) FetchPretrained(ctx context.Context, opts core.PretrainedOptions) (core.Model, error) {
	return nil, core.ErrUnsupported
}

func (b *Backend) Load(ctx context.Context, path string) (core.Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model %s: %w", path, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("model %s must have one input and one output, found %d and %d", path, len(inputs), len(outputs))
	}

	classes := outputs[0].Dimensions[len(outputs[0].Dimensions)-1]
	if classes <= 0 {
		return nil, fmt.Errorf("model %s has no fixed class dimension: %v", path, outputs[0].Dimensions)
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating session for %s: %w", path, err)
	}

	slog.Info("loaded onnx model", "path", path, "input", inputs[0].Name, "output", outputs[0].Name, "classes", classes)
	return &Model{session: session, input: inputs[0], output: outputs[0], classes: classes}, nil
}

func (b *Backend) Close() error {
	return nil
}

type Model struct {
	session *ort.DynamicAdvancedSession
	input   ort.InputOutputInfo
	output  ort.InputOutputInfo
	classes int64
}

// Layers lists the graph's input and output tensors. None are trainable.
func (m *Model) Layers() ([]core.Layer, error) {
	return []core.Layer{{Name: m.input.Name}, {Name: m.output.Name}}, nil
}

func (m *Model) SetTrainable(int, bool) error { return core.ErrUnsupported }

func (m *Model) AddClassificationHead(int) error { return core.ErrUnsupported }

func (m *Model) Compile(core.CompileOptions) error { return core.ErrUnsupported }

func (m *Model) TrainOnBatch(context.Context, *core.Batch) (core.Metrics, error) {
	return core.Metrics{}, core.ErrUnsupported
}

func (m *Model) TestOnBatch(context.Context, *core.Batch) (core.Metrics, error) {
	return core.Metrics{}, core.ErrUnsupported
}

func (m *Model) Predict(ctx context.Context, batch *core.Batch) ([][]float32, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	B := int64(batch.Size)
	inT, err := ort.NewTensor(ort.NewShape(B, int64(batch.Height), int64(batch.Width), int64(batch.Channels)), batch.Images)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(B, m.classes))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	flat := outT.GetData()
	probs := make([][]float32, B)
	for i := range probs {
		start := int64(i) * m.classes
		probs[i] = append([]float32(nil), flat[start:start+m.classes]...)
	}
	return probs, nil
}

func (m *Model) Save(string) error { return core.ErrUnsupported }

func (m *Model) Release() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
