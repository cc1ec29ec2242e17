package plugin

import (
	"context"
	"path/filepath"
	"testing"

	"kidney-classifier/internal/core"
	"kidney-classifier/internal/core/coretest"

	hcplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, impl core.Backend) *RPCClient {
	t.Helper()
	client, _ := hcplugin.TestPluginRPCConn(t, map[string]hcplugin.Plugin{
		backendPluginName: &BackendPlugin{Impl: impl},
	}, nil)
	t.Cleanup(func() { client.Close() })

	backend, err := dispense(client)
	require.NoError(t, err)
	return backend
}

func TestRemoteModelLifecycle(t *testing.T) {
	fake := coretest.NewBackend(4)
	fake.Output = []float32{0.2, 0.8}
	backend := connect(t, fake)
	ctx := context.Background()

	model, err := backend.FetchPretrained(ctx, core.PretrainedOptions{Architecture: "vgg16", InputShape: [3]int{8, 8, 3}, Weights: "imagenet"})
	require.NoError(t, err)
	require.Len(t, fake.Fetched, 1)
	assert.Equal(t, [3]int{8, 8, 3}, fake.Fetched[0].InputShape)

	require.NoError(t, core.ApplyFreeze(model, false, 1))
	require.NoError(t, model.AddClassificationHead(2))
	require.NoError(t, model.Compile(core.SGD(0.01)))

	layers, err := model.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 6)
	assert.False(t, layers[0].Trainable)
	assert.True(t, layers[3].Trainable)

	batch := core.NewBatch(2, 8, 8, 3, 2)
	batch.Labels = []int{0, 1}
	metrics, err := model.TrainOnBatch(ctx, batch)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, metrics.Loss, 1e-9)

	metrics, err = model.TestOnBatch(ctx, batch)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, metrics.Accuracy, 1e-9)

	probs, err := model.Predict(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.2, 0.8}, {0.2, 0.8}}, probs)

	path := filepath.Join(t.TempDir(), "model.h5")
	require.NoError(t, model.Save(path))
	model.Release()
	assert.True(t, fake.Models[0].Released)

	loaded, err := backend.Load(ctx, path)
	require.NoError(t, err)
	layers, err = loaded.Layers()
	require.NoError(t, err)
	assert.Len(t, layers, 6)

	// Released handles are gone from the plugin.
	_, err = model.Layers()
	assert.ErrorContains(t, err, "unknown model handle")
}

func TestRemoteErrors(t *testing.T) {
	fake := coretest.NewBackend(2)
	fake.TrainErr = core.ErrUnsupported
	backend := connect(t, fake)
	ctx := context.Background()

	_, err := backend.Load(ctx, filepath.Join(t.TempDir(), "missing.h5"))
	assert.Error(t, err)

	model, err := backend.FetchPretrained(ctx, core.PretrainedOptions{InputShape: [3]int{2, 2, 1}})
	require.NoError(t, err)
	require.NoError(t, model.AddClassificationHead(2))

	batch := core.NewBatch(1, 2, 2, 1, 2)
	_, err = model.TrainOnBatch(ctx, batch)
	assert.ErrorIs(t, err, core.ErrUnsupported)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = model.Predict(cancelled, batch)
	assert.ErrorIs(t, err, context.Canceled)
}
