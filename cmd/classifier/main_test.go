package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"kidney-classifier/cmd"
	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/pipeline"
	"kidney-classifier/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"ingest", "prepare-base-model", "train", "evaluate", "run", "serve"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("env"))
}

func TestTables(t *testing.T) {
	out := scoreTable(core.Metrics{Loss: 0.25, Accuracy: 0.875}, map[string]string{"EPOCHS": "1", "BATCH_SIZE": "16"})
	assert.Contains(t, out, "0.2500")
	assert.Contains(t, out, "0.8750")
	assert.Less(t, strings.Index(out, "BATCH_SIZE"), strings.Index(out, "EPOCHS"))

	out = historyTable([]pipeline.EpochMetrics{
		{Epoch: 1, Train: core.Metrics{Loss: 0.5, Accuracy: 0.6}},
		{Epoch: 2, Train: core.Metrics{Loss: 0.4, Accuracy: 0.7}, Validation: core.Metrics{Loss: 0.3, Accuracy: 0.8}, Validated: true},
	})
	assert.Contains(t, out, "0.6000")
	assert.Contains(t, out, "0.8000")
	assert.Contains(t, out, "-")
}

type staticPredictor struct{}

func (staticPredictor) Predict(ctx context.Context, imagePath string) ([]api.Prediction, error) {
	return []api.Prediction{{Image: "Normal"}}, nil
}

func (staticPredictor) Reload(ctx context.Context) error { return nil }

func TestCreateServer(t *testing.T) {
	c := &commandContext{cfg: cmd.Config{
		Port:         8080,
		TrainCommand: "true",
		InputImage:   filepath.Join(t.TempDir(), "inputImage.jpg"),
		TrainLock:    filepath.Join(t.TempDir(), "train.lock"),
	}}
	server := c.createServer(staticPredictor{})
	assert.Equal(t, ":8080", server.Addr)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/train", nil)
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictorConfig(t *testing.T) {
	training := config.TrainingConfig{
		TrainedModelPath: filepath.Join("artifacts", "training", "model.h5"),
		ImageSize:        config.ImageSize{224, 224, 3},
	}

	c := &commandContext{}
	cfg, err := c.predictorConfig("artifacts", training)
	require.NoError(t, err)
	assert.Equal(t, training.TrainedModelPath, cfg.ModelPath)
	assert.Equal(t, training.ImageSize, cfg.ImageSize)
	assert.Nil(t, cfg.Remote)

	c.cfg.ModelPath = "/models/model.h5"
	cfg, err = c.predictorConfig("artifacts", training)
	require.NoError(t, err)
	assert.Equal(t, "/models/model.h5", cfg.ModelPath)
	assert.Nil(t, cfg.Remote)

	c.cfg = cmd.Config{
		ModelPath:         "s3://models/latest/model.h5",
		S3EndpointURL:     "http://localhost:9000",
		S3AccessKeyID:     "minioadmin",
		S3SecretAccessKey: "minioadmin",
		S3Region:          "us-east-1",
	}
	cfg, err = c.predictorConfig("artifacts", training)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("artifacts", "serving", "model.h5"), cfg.ModelPath)
	require.NotNil(t, cfg.Remote)
	assert.Equal(t, "models", cfg.Remote.Location.Bucket)
	assert.Equal(t, "latest/model.h5", cfg.Remote.Location.Prefix)
}
