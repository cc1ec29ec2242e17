//go:build windows

package onnx

import (
	"context"
	"errors"

	"kidney-classifier/internal/core"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

type Backend struct{}

func NewBackend(dylib string) (*Backend, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (b *Backend) FetchPretrained(ctx context.Context, opts core.PretrainedOptions) (core.Model, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (b *Backend) Load(ctx context.Context, path string) (core.Model, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (b *Backend) Close() error {
	return nil
}
