package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/core/coretest"
	"kidney-classifier/internal/database"
	"kidney-classifier/internal/dataset"
	"kidney-classifier/internal/pipeline"
	"kidney-classifier/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingConfig(t *testing.T, data string) config.TrainingConfig {
	root := t.TempDir()
	return config.TrainingConfig{
		RootDir:              root,
		TrainedModelPath:     filepath.Join(root, "model.h5"),
		UpdatedBaseModelPath: filepath.Join(root, "base_model_updated.h5"),
		TrainingData:         data,
		Epochs:               2,
		BatchSize:            4,
		Augmentation:         true,
		ImageSize:            imageSize,
		LearningRate:         0.05,
		Classes:              2,
	}
}

func TestTrainer(t *testing.T) {
	backend := coretest.NewBackend(3)
	cfg := trainingConfig(t, writeDataset(t, []string{"Tumor", "Normal"}, 10))
	saveClassifier(t, backend, cfg.UpdatedBaseModelPath, 2)

	trainer := pipeline.NewTrainer(cfg, backend)
	trainer.Seed = 1
	defer trainer.Close()

	ctx := context.Background()
	require.NoError(t, trainer.LoadCustomizedModel(ctx))
	require.NoError(t, trainer.BuildGenerators(cfg.Augmentation))
	require.NoError(t, trainer.Run(ctx))

	// 16 training images in batches of 4, 4 validation images in one batch.
	model := backend.Last()
	assert.Equal(t, []int{4, 4, 4, 4, 4, 4, 4, 4}, model.TrainBatches)
	assert.Equal(t, []int{4, 4}, model.TestBatches)

	require.Len(t, trainer.History, 2)
	assert.InDelta(t, (1+1.0/2+1.0/3+1.0/4)/4, trainer.History[0].Train.Loss, 1e-9)
	assert.InDelta(t, (1.0/5+1.0/6+1.0/7+1.0/8)/4, trainer.History[1].Train.Loss, 1e-9)
	assert.True(t, trainer.History[1].Validated)
	assert.InDelta(t, 0.75, trainer.History[1].Validation.Accuracy, 1e-9)

	trained := loadState(t, cfg.TrainedModelPath)
	assert.Equal(t, []core.CompileOptions{core.SGD(0.01), core.SGD(0.05)}, trained.Compiled)
	assert.Equal(t, 8, trained.Steps)

	indices, err := dataset.LoadClassIndices(dataset.ClassIndicesPath(cfg.TrainedModelPath))
	require.NoError(t, err)
	assert.Equal(t, dataset.ClassIndices{"Normal": 0, "Tumor": 1}, indices)
}

func TestTrainerErrors(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := trainingConfig(t, writeDataset(t, []string{"Normal", "Tumor"}, 5))
	ctx := context.Background()

	trainer := pipeline.NewTrainer(cfg, backend)
	assert.ErrorContains(t, trainer.Run(ctx), "no model loaded")
	assert.Error(t, trainer.LoadCustomizedModel(ctx))

	saveClassifier(t, backend, cfg.UpdatedBaseModelPath, 2)
	require.NoError(t, trainer.LoadCustomizedModel(ctx))
	assert.ErrorContains(t, trainer.Run(ctx), "generators have not been built")

	cfg.BatchSize = 32
	trainer = pipeline.NewTrainer(cfg, backend)
	defer trainer.Close()
	require.NoError(t, trainer.LoadCustomizedModel(ctx))
	require.NoError(t, trainer.BuildGenerators(false))
	assert.ErrorContains(t, trainer.Run(ctx), "fewer than one batch")
	assert.NoFileExists(t, cfg.TrainedModelPath)

	backend.TrainErr = errors.New("out of memory")
	cfg.BatchSize = 2
	trainer = pipeline.NewTrainer(cfg, backend)
	defer trainer.Close()
	require.NoError(t, trainer.LoadCustomizedModel(ctx))
	require.NoError(t, trainer.BuildGenerators(false))
	assert.ErrorContains(t, trainer.Run(ctx), "out of memory")
	assert.NoFileExists(t, cfg.TrainedModelPath)
}

func TestTrainerRejectsClassMismatch(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := trainingConfig(t, writeDataset(t, []string{"Cyst", "Normal", "Tumor"}, 5))
	ctx := context.Background()
	saveClassifier(t, backend, cfg.UpdatedBaseModelPath, 2)

	trainer := pipeline.NewTrainer(cfg, backend)
	defer trainer.Close()
	require.NoError(t, trainer.LoadCustomizedModel(ctx))

	err := trainer.BuildGenerators(false)
	assert.ErrorIs(t, err, dataset.ErrClassCountMismatch)
	assert.ErrorContains(t, err, "expected 2")
	assert.ErrorContains(t, trainer.Run(ctx), "generators have not been built")

	cfg.Classes = 3
	trainer = pipeline.NewTrainer(cfg, backend)
	defer trainer.Close()
	require.NoError(t, trainer.BuildGenerators(false))
}

func evaluationConfig(t *testing.T, backend *coretest.Backend) config.EvaluationConfig {
	root := t.TempDir()
	cfg := config.EvaluationConfig{
		ModelPath:           filepath.Join(root, "training", "model.h5"),
		TrainingData:        writeDataset(t, []string{"Normal", "Tumor"}, 10),
		ScoresPath:          filepath.Join(root, "scores.json"),
		RegisteredModelName: config.DefaultRegisteredModelName,
		AllParams:           map[string]string{"EPOCHS": "1", "BATCH_SIZE": "4"},
		ImageSize:           imageSize,
		BatchSize:           4,
	}
	saveClassifier(t, backend, cfg.ModelPath, 2)
	return cfg
}

func readScores(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var scores map[string]any
	require.NoError(t, json.Unmarshal(data, &scores))
	return scores
}

func TestEvaluator(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := evaluationConfig(t, backend)

	require.NoError(t, pipeline.NewEvaluator(cfg, backend, tracking.Options{}).Run(context.Background()))

	// 3 of 10 images per class, one full batch and one short batch.
	assert.Equal(t, []int{4, 2}, backend.Last().TestBatches)
	assert.True(t, backend.Last().Released)

	scores := readScores(t, cfg.ScoresPath)
	assert.Equal(t, map[string]any{"loss": 0.25, "accuracy": 0.75}, scores)
}

func TestEvaluatorFailureKeepsScores(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := evaluationConfig(t, backend)
	require.NoError(t, os.WriteFile(cfg.ScoresPath, []byte(`{"loss": 1, "accuracy": 0.5}`), 0644))

	backend.TestErr = errors.New("backend crashed")
	err := pipeline.NewEvaluator(cfg, backend, tracking.Options{}).Run(context.Background())
	assert.ErrorContains(t, err, "backend crashed")

	assert.Equal(t, map[string]any{"loss": 1.0, "accuracy": 0.5}, readScores(t, cfg.ScoresPath))

	entries, err := os.ReadDir(filepath.Dir(cfg.ScoresPath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestEvaluatorFileTracking(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := evaluationConfig(t, backend)
	mlruns := filepath.Join(t.TempDir(), "mlruns")
	cfg.MLflowURI = "file://" + mlruns

	require.NoError(t, pipeline.NewEvaluator(cfg, backend, tracking.Options{}).Run(context.Background()))

	logged, err := filepath.Glob(filepath.Join(mlruns, "*", "*", "artifacts", "model", "model.h5"))
	require.NoError(t, err)
	assert.Len(t, logged, 1)

	params, err := filepath.Glob(filepath.Join(mlruns, "*", "*", "params", "EPOCHS"))
	require.NoError(t, err)
	assert.Len(t, params, 1)
}

func TestEvaluatorDatabaseTracking(t *testing.T) {
	backend := coretest.NewBackend(2)
	cfg := evaluationConfig(t, backend)
	dir := t.TempDir()
	cfg.MLflowURI = "sqlite:///" + filepath.Join(dir, "mlflow.db")
	cfg.ArtifactRoot = filepath.Join(dir, "mlartifacts")

	for i := 0; i < 2; i++ {
		require.NoError(t, pipeline.NewEvaluator(cfg, backend, tracking.Options{}).Run(context.Background()))
	}

	db, err := database.NewDatabase(cfg.MLflowURI)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	var versions []database.ModelVersion
	require.NoError(t, db.Where("model_name = ?", config.DefaultRegisteredModelName).Order("version").Find(&versions).Error)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)

	var runs []database.Run
	require.NoError(t, db.Preload("Metrics").Find(&runs).Error)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, database.RunFinished, run.Status)
		assert.Len(t, run.Metrics, 2)

		var tags map[string]string
		require.NoError(t, json.Unmarshal(run.Tags, &tags))
		assert.Equal(t, "evaluation", tags[tracking.RunNameTag])
		assert.Equal(t, "evaluation", tags["stage"])
		assert.Equal(t, cfg.ModelPath, tags["model_path"])
		assert.Equal(t, config.DefaultRegisteredModelName, tags["registered_model_name"])
		assert.Contains(t, []string{"1", "2"}, tags["registered_model_version"])
	}
}
