package core_test

import (
	"context"
	"testing"

	"kidney-classifier/internal/core"
	"kidney-classifier/internal/core/coretest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainable(t *testing.T, m core.Model) []bool {
	layers, err := m.Layers()
	require.NoError(t, err)
	out := make([]bool, len(layers))
	for i, l := range layers {
		out[i] = l.Trainable
	}
	return out
}

func TestApplyFreeze(t *testing.T) {
	cases := []struct {
		name       string
		freezeAll  bool
		freezeTill int
		expected   []bool
	}{
		{"FreezeAll", true, 0, []bool{false, false, false, false, false}},
		{"FreezeAllWinsOverFreezeTill", true, 2, []bool{false, false, false, false, false}},
		{"KeepLastTwo", false, 2, []bool{false, false, false, true, true}},
		{"FreezeTillBeyondLayers", false, 10, []bool{true, true, true, true, true}},
		{"TrainEverything", false, 0, []bool{true, true, true, true, true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := coretest.NewBackend(5)
			model, err := backend.FetchPretrained(context.Background(), core.PretrainedOptions{})
			require.NoError(t, err)

			require.NoError(t, core.ApplyFreeze(model, tc.freezeAll, tc.freezeTill))
			assert.Equal(t, tc.expected, trainable(t, model))
		})
	}
}

func TestBatchHelpers(t *testing.T) {
	b := core.NewBatch(2, 1, 1, 3, 2)
	b.Labels = []int{1, 0}
	assert.Equal(t, []float32{0, 1, 1, 0}, b.OneHot())
	assert.Len(t, b.Sample(1), 3)
	require.NoError(t, b.Validate())

	b.Labels[0] = 2
	assert.Error(t, b.Validate())

	assert.Equal(t, 1, core.ArgMax([]float32{0.2, 0.8}))
	assert.Equal(t, 0, core.ArgMax([]float32{0.5, 0.5}))
}
