package backends

import (
	"fmt"

	"kidney-classifier/internal/backends/onnx"
	"kidney-classifier/internal/backends/plugin"
	"kidney-classifier/internal/core"
)

type Options struct {
	// PluginPath is the executable that serves the plugin backend.
	PluginPath string
	// PluginArgs are passed to the plugin executable.
	PluginArgs []string
	// OnnxRuntimeDylib is the onnxruntime shared library for the onnx backend.
	OnnxRuntimeDylib string
}

type BackendLoader func() (core.Backend, error)

func NewBackendLoaders(opts Options) map[core.BackendType]BackendLoader {
	return map[core.BackendType]BackendLoader{
		core.PluginBackend: func() (core.Backend, error) {
			return plugin.NewClient(opts.PluginPath, opts.PluginArgs...)
		},
		core.OnnxBackend: func() (core.Backend, error) {
			return onnx.NewBackend(opts.OnnxRuntimeDylib)
		},
	}
}

// New starts the backend of the given kind.
func New(kind core.BackendType, opts Options) (core.Backend, error) {
	loader, ok := NewBackendLoaders(opts)[kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q", kind)
	}
	return loader()
}
