package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"kidney-classifier/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testParams = `AUGMENTATION: True
IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 16
INCLUDE_TOP: False
EPOCHS: 1
CLASSES: 2
WEIGHTS: imagenet
LEARNING_RATE: 0.01
`

func writeConfigs(t *testing.T, dir, params string) (string, string) {
	t.Helper()

	root := filepath.Join(dir, "artifacts")
	cfg := `artifacts_root: ` + root + `
data_ingestion:
  root_dir: ` + filepath.Join(root, "data_ingestion") + `
  source_URL: https://drive.google.com/file/d/abc123/view?usp=sharing
  local_data_file: ` + filepath.Join(root, "data_ingestion", "data.zip") + `
  unzip_dir: ` + filepath.Join(root, "data_ingestion") + `
prepare_base_model:
  root_dir: ` + filepath.Join(root, "prepare_base_model") + `
  base_model_path: ` + filepath.Join(root, "prepare_base_model", "base_model.h5") + `
  updated_base_model_path: ` + filepath.Join(root, "prepare_base_model", "base_model_updated.h5") + `
training:
  root_dir: ` + filepath.Join(root, "training") + `
  trained_model_path: ` + filepath.Join(root, "training", "model.h5") + `
  training_data: ` + filepath.Join(root, "data_ingestion", "kidney-ct-scan-image") + `
evaluation:
  mlflow_uri: file:///tmp/mlruns
`
	configPath := filepath.Join(dir, "config.yaml")
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0644))
	require.NoError(t, os.WriteFile(paramsPath, []byte(params), 0644))
	return configPath, paramsPath
}

func TestManagerLoadsConfigs(t *testing.T) {
	dir := t.TempDir()
	configPath, paramsPath := writeConfigs(t, dir, testParams)

	m, err := config.NewManager(configPath, paramsPath)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "artifacts"))

	ingestion := m.IngestionConfig()
	assert.Equal(t, "https://drive.google.com/file/d/abc123/view?usp=sharing", ingestion.SourceURL)
	assert.Equal(t, filepath.Join(dir, "artifacts", "data_ingestion", "data.zip"), ingestion.LocalDataFile)
	assert.Equal(t, config.DownloadAlways, ingestion.Policy)

	base, err := m.BaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, config.ImageSize{224, 224, 3}, base.ImageSize)
	assert.Equal(t, 0.01, base.LearningRate)
	assert.False(t, base.IncludeTop)
	assert.Equal(t, "imagenet", base.Weights)
	assert.Equal(t, 2, base.Classes)
	assert.True(t, base.FreezeAll)
	assert.Equal(t, 0, base.FreezeTill)
	assert.DirExists(t, base.RootDir)

	training, err := m.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, training.Epochs)
	assert.Equal(t, 16, training.BatchSize)
	assert.True(t, training.Augmentation)
	assert.Equal(t, 2, training.Classes)
	assert.Equal(t, base.UpdatedBaseModelPath, training.UpdatedBaseModelPath)

	eval := m.EvaluationConfig()
	assert.Equal(t, training.TrainedModelPath, eval.ModelPath)
	assert.Equal(t, "file:///tmp/mlruns", eval.MLflowURI)
	assert.Equal(t, config.DefaultScoresPath, eval.ScoresPath)
	assert.Equal(t, config.DefaultRegisteredModelName, eval.RegisteredModelName)
	assert.Equal(t, map[string]string{
		"AUGMENTATION":  "true",
		"IMAGE_SIZE":    "[224, 224, 3]",
		"BATCH_SIZE":    "16",
		"INCLUDE_TOP":   "false",
		"EPOCHS":        "1",
		"CLASSES":       "2",
		"WEIGHTS":       "imagenet",
		"LEARNING_RATE": "0.01",
	}, eval.AllParams)
}

func TestManagerIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	configPath, paramsPath := writeConfigs(t, dir, testParams)

	_, err := config.NewManager(configPath, paramsPath)
	require.NoError(t, err)
	_, err = config.NewManager(configPath, paramsPath)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "artifacts"))
}

func TestManagerErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		dir := t.TempDir()
		_, paramsPath := writeConfigs(t, dir, testParams)
		_, err := config.NewManager(filepath.Join(dir, "nope.yaml"), paramsPath)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		dir := t.TempDir()
		configPath, _ := writeConfigs(t, dir, testParams)
		_, paramsPath := writeConfigs(t, t.TempDir(), "\n\n")
		_, err := config.NewManager(configPath, paramsPath)
		assert.ErrorIs(t, err, config.ErrEmptyConfig)
	})

	t.Run("Malformed", func(t *testing.T) {
		dir := t.TempDir()
		configPath, paramsPath := writeConfigs(t, dir, "EPOCHS: [1, 2\n")
		_, err := config.NewManager(configPath, paramsPath)
		assert.Error(t, err)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		dir := t.TempDir()
		configPath, paramsPath := writeConfigs(t, dir, testParams+"DROPOUT: 0.5\n")
		_, err := config.NewManager(configPath, paramsPath)
		assert.ErrorContains(t, err, "DROPOUT")
	})

	t.Run("MissingKey", func(t *testing.T) {
		dir := t.TempDir()
		configPath, paramsPath := writeConfigs(t, dir, "IMAGE_SIZE: [224, 224, 3]\nEPOCHS: 1\n")
		_, err := config.NewManager(configPath, paramsPath)
		assert.ErrorIs(t, err, config.ErrMissingKey)
		assert.ErrorContains(t, err, "LEARNING_RATE")
		assert.ErrorContains(t, err, "AUGMENTATION")
	})

	t.Run("FreezeTillAndClassCount", func(t *testing.T) {
		dir := t.TempDir()
		configPath, paramsPath := writeConfigs(t, dir, testParams+"FREEZE_TILL: 2\n")
		m, err := config.NewManager(configPath, paramsPath)
		require.NoError(t, err)
		base, err := m.BaseModelConfig()
		require.NoError(t, err)
		assert.Equal(t, 2, base.FreezeTill)

		bad := `AUGMENTATION: True
IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 16
INCLUDE_TOP: False
EPOCHS: 1
CLASSES: 1
WEIGHTS: imagenet
LEARNING_RATE: 0.01
`
		configPath, paramsPath = writeConfigs(t, t.TempDir(), bad)
		_, err = config.NewManager(configPath, paramsPath)
		assert.ErrorIs(t, err, config.ErrInvalid)
	})
}
