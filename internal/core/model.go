package core

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("operation not supported by backend")

// BackendType names a numeric backend implementation.
type BackendType string

const (
	PluginBackend BackendType = "plugin"
	OnnxBackend   BackendType = "onnx"
)

type Layer struct {
	Name      string
	Trainable bool
}

type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

type PretrainedOptions struct {
	Architecture string
	InputShape   [3]int
	Weights      string
	IncludeTop   bool
}

type CompileOptions struct {
	Optimizer    string
	LearningRate float64
	Loss         string
	Metrics      []string
}

// SGD is the compile configuration every stage uses: plain gradient descent at
// a fixed learning rate against categorical cross-entropy, tracking accuracy.
func SGD(learningRate float64) CompileOptions {
	return CompileOptions{
		Optimizer:    "sgd",
		LearningRate: learningRate,
		Loss:         "categorical_crossentropy",
		Metrics:      []string{"accuracy"},
	}
}

// Model is a handle to a network owned by the backend. Handles are not safe
// for concurrent use.
type Model interface {
	Layers() ([]Layer, error)

	SetTrainable(index int, trainable bool) error

	// AddClassificationHead appends a flatten transform and a dense softmax
	// layer of width classes to the network output.
	AddClassificationHead(classes int) error

	// Compile attaches a fresh optimizer instance; any previous optimizer
	// state is discarded.
	Compile(opts CompileOptions) error

	TrainOnBatch(ctx context.Context, batch *Batch) (Metrics, error)

	TestOnBatch(ctx context.Context, batch *Batch) (Metrics, error)

	// Predict returns one probability row per sample in the batch.
	Predict(ctx context.Context, batch *Batch) ([][]float32, error)

	Save(path string) error

	Release()
}

type Backend interface {
	FetchPretrained(ctx context.Context, opts PretrainedOptions) (Model, error)

	Load(ctx context.Context, path string) (Model, error)

	Close() error
}
