// Package coretest provides an in-memory core.Backend for tests. It performs no
// numeric work: metrics and predictions are scripted.
package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kidney-classifier/internal/core"
)

// Backend keeps every model it hands out and persists models as JSON so that
// Load can read back what Save wrote.
type Backend struct {
	// BaseLayers is the layer count of networks returned by FetchPretrained.
	BaseLayers int
	// Output, when set, is returned for every sample by Predict.
	Output []float32
	// TrainErr, when set, is returned by TrainOnBatch.
	TrainErr error
	// TestErr, when set, is returned by TestOnBatch.
	TestErr error

	mu      sync.Mutex
	Fetched []core.PretrainedOptions
	Loaded  []string
	Models  []*Model
	closed  bool
}

func NewBackend(baseLayers int) *Backend {
	return &Backend{BaseLayers: baseLayers}
}

func (b *Backend) FetchPretrained(ctx context.Context, opts core.PretrainedOptions) (core.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Fetched = append(b.Fetched, opts)
	m := &Model{backend: b, State: State{Layers: make([]core.Layer, b.BaseLayers), InputShape: opts.InputShape}}
	for i := range m.State.Layers {
		m.State.Layers[i] = core.Layer{Name: fmt.Sprintf("block%d", i+1), Trainable: true}
	}
	b.Models = append(b.Models, m)
	return m, nil
}

func (b *Backend) Load(ctx context.Context, path string) (core.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error loading model: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.Loaded = append(b.Loaded, path)
	m := &Model{backend: b, State: state}
	b.Models = append(b.Models, m)
	return m, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Last() *Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Models) == 0 {
		return nil
	}
	return b.Models[len(b.Models)-1]
}

// State is the persisted form of a fake model.
type State struct {
	Layers     []core.Layer
	InputShape [3]int
	Classes    int
	Compiled   []core.CompileOptions
	Steps      int
}

type Model struct {
	backend *Backend
	State   State

	TrainBatches []int
	TestBatches  []int
	Predicted    int
	Released     bool
}

func (m *Model) Layers() ([]core.Layer, error) {
	return append([]core.Layer(nil), m.State.Layers...), nil
}

func (m *Model) SetTrainable(index int, trainable bool) error {
	if index < 0 || index >= len(m.State.Layers) {
		return fmt.Errorf("layer index %d out of range", index)
	}
	m.State.Layers[index].Trainable = trainable
	return nil
}

func (m *Model) AddClassificationHead(classes int) error {
	m.State.Classes = classes
	m.State.Layers = append(m.State.Layers,
		core.Layer{Name: "flatten", Trainable: true},
		core.Layer{Name: "dense", Trainable: true},
	)
	return nil
}

func (m *Model) Compile(opts core.CompileOptions) error {
	m.State.Compiled = append(m.State.Compiled, opts)
	return nil
}

func (m *Model) TrainOnBatch(ctx context.Context, batch *core.Batch) (core.Metrics, error) {
	if m.backend.TrainErr != nil {
		return core.Metrics{}, m.backend.TrainErr
	}
	if err := batch.Validate(); err != nil {
		return core.Metrics{}, err
	}
	m.State.Steps++
	m.TrainBatches = append(m.TrainBatches, batch.Size)
	return core.Metrics{Loss: 1 / float64(m.State.Steps), Accuracy: 0.5}, nil
}

func (m *Model) TestOnBatch(ctx context.Context, batch *core.Batch) (core.Metrics, error) {
	if m.backend.TestErr != nil {
		return core.Metrics{}, m.backend.TestErr
	}
	if err := batch.Validate(); err != nil {
		return core.Metrics{}, err
	}
	m.TestBatches = append(m.TestBatches, batch.Size)
	return core.Metrics{Loss: 0.25, Accuracy: 0.75}, nil
}

func (m *Model) Predict(ctx context.Context, batch *core.Batch) ([][]float32, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	m.Predicted += batch.Size
	out := make([][]float32, batch.Size)
	for i := range out {
		if m.backend.Output != nil {
			out[i] = append([]float32(nil), m.backend.Output...)
		} else {
			out[i] = make([]float32, max(m.State.Classes, 1))
			out[i][0] = 1
		}
	}
	return out, nil
}

func (m *Model) Save(path string) error {
	data, err := json.Marshal(m.State)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *Model) Release() {
	m.Released = true
}
