package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BACKEND_PLUGIN_ARGS", "--device cpu")
	t.Setenv("TRAIN_COMMAND", "dvc repro --pull")
	t.Setenv("MLFLOW_TRACKING_USERNAME", "user")

	cfg, err := ParseConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "plugin", cfg.Backend)
	assert.Equal(t, "config/config.yaml", cfg.ConfigFile)
	assert.Equal(t, "params.yaml", cfg.ParamsFile)
	assert.Equal(t, []string{"--device", "cpu"}, cfg.BackendPluginArgs)
	assert.Equal(t, []string{"dvc", "repro", "--pull"}, cfg.TrainArgs())
	assert.Equal(t, "inputImage.jpg", cfg.InputImage)

	opts := cfg.TrackingOptions()
	assert.Equal(t, "user", opts.Username)
	assert.NotNil(t, opts.NewProvider)
}

func TestParseConfigInvalid(t *testing.T) {
	t.Setenv("PORT", "http")
	_, err := ParseConfig()
	assert.Error(t, err)
}

func TestRunStage(t *testing.T) {
	calls := 0
	require.NoError(t, RunStage("Data Ingestion", func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)

	failure := errors.New("download failed")
	err := RunStage("Data Ingestion", func() error { return failure })
	assert.Same(t, failure, err)
}

func TestNewBackendRejectsUnknownKind(t *testing.T) {
	_, err := Config{Backend: "tensorflow"}.NewBackend()
	assert.ErrorContains(t, err, "unknown backend type")
}
