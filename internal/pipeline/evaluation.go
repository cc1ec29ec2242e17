package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/dataset"
	"kidney-classifier/internal/tracking"
)

const evaluationValidationSplit = 0.3

// Evaluator scores the trained model on the validation subset, writes the
// scores file and reports the run to the experiment tracker.
type Evaluator struct {
	cfg      config.EvaluationConfig
	backend  core.Backend
	tracking tracking.Options

	model core.Model
	valid *dataset.Iterator
	Score core.Metrics
}

func NewEvaluator(cfg config.EvaluationConfig, backend core.Backend, opts tracking.Options) *Evaluator {
	if cfg.ArtifactRoot != "" {
		opts.ArtifactRoot = cfg.ArtifactRoot
	}
	return &Evaluator{cfg: cfg, backend: backend, tracking: opts}
}

// BuildValidationGenerator creates the fixed-order iterator over the 30%
// validation split.
func (e *Evaluator) BuildValidationGenerator() error {
	gen := dataset.Generator{Rescale: dataset.DefaultRescale, ValidationSplit: evaluationValidationSplit}
	valid, err := gen.FlowFromDirectory(e.cfg.TrainingData, dataset.FlowOptions{
		TargetSize: e.cfg.ImageSize,
		BatchSize:  e.cfg.BatchSize,
		Subset:     dataset.Validation,
	})
	if err != nil {
		return fmt.Errorf("error creating validation generator: %w", err)
	}
	slog.Info("found images", "subset", dataset.Validation, "images", valid.Samples(), "classes", len(valid.ClassIndices()))
	e.valid = valid
	return nil
}

// Evaluate loads the trained model and averages loss and accuracy over one
// full pass of the validation iterator, including a short final batch.
func (e *Evaluator) Evaluate(ctx context.Context) error {
	model, err := e.backend.Load(ctx, e.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("error loading model %s: %w", e.cfg.ModelPath, err)
	}
	e.release()
	e.model = model

	if err := e.BuildValidationGenerator(); err != nil {
		return err
	}
	if e.valid.Samples() == 0 {
		return errors.New("validation subset is empty")
	}

	steps := (e.valid.Samples() + e.valid.BatchSize() - 1) / e.valid.BatchSize()
	e.valid.Reset()
	score, err := runSteps(ctx, e.valid, steps, e.model.TestOnBatch)
	if err != nil {
		return fmt.Errorf("error evaluating model: %w", err)
	}

	e.Score = score
	slog.Info("evaluated model", "loss", score.Loss, "accuracy", score.Accuracy, "samples", e.valid.Samples())
	return nil
}

// SaveScore writes {"loss": ..., "accuracy": ...} to the scores path. The file
// is replaced atomically, so a failed write keeps the previous scores.
func (e *Evaluator) SaveScore() error {
	data, err := json.MarshalIndent(e.Score, "", "    ")
	if err != nil {
		return fmt.Errorf("error encoding scores: %w", err)
	}
	if err := writeFileAtomic(e.cfg.ScoresPath, data); err != nil {
		return fmt.Errorf("error saving scores to %s: %w", e.cfg.ScoresPath, err)
	}
	slog.Info("json file saved", "path", e.cfg.ScoresPath)
	return nil
}

// LogIntoTracker records params, metrics and the model artifact in a new run.
// The model is registered unless the store is a plain local file store.
func (e *Evaluator) LogIntoTracker(ctx context.Context, store tracking.Store) (err error) {
	run, err := store.StartRun(ctx, "evaluation")
	if err != nil {
		return fmt.Errorf("error starting tracking run: %w", err)
	}
	defer func() {
		status := tracking.StatusFinished
		if err != nil {
			status = tracking.StatusFailed
		}
		if endErr := run.End(ctx, status); endErr != nil && err == nil {
			err = fmt.Errorf("error ending tracking run: %w", endErr)
		}
	}()

	if err := run.SetTags(ctx, map[string]string{"stage": "evaluation", "model_path": e.cfg.ModelPath}); err != nil {
		return fmt.Errorf("error tagging run: %w", err)
	}
	if err := run.LogParams(ctx, e.cfg.AllParams); err != nil {
		return fmt.Errorf("error logging params: %w", err)
	}
	if err := run.LogMetrics(ctx, map[string]float64{"loss": e.Score.Loss, "accuracy": e.Score.Accuracy}); err != nil {
		return fmt.Errorf("error logging metrics: %w", err)
	}

	source, err := run.LogModel(ctx, e.cfg.ModelPath, "model")
	if err != nil {
		return fmt.Errorf("error logging model: %w", err)
	}

	if store.IsLocal() {
		slog.Info("logged model", "run", run.ID(), "source", source)
		return nil
	}

	version, err := run.RegisterModel(ctx, e.cfg.RegisteredModelName, source)
	if err != nil {
		return fmt.Errorf("error registering model %s: %w", e.cfg.RegisteredModelName, err)
	}
	err = run.SetTags(ctx, map[string]string{
		"registered_model_name":    e.cfg.RegisteredModelName,
		"registered_model_version": strconv.Itoa(version),
	})
	if err != nil {
		return fmt.Errorf("error tagging run: %w", err)
	}
	slog.Info("registered model", "run", run.ID(), "name", e.cfg.RegisteredModelName, "version", version, "source", source)
	return nil
}

// Run evaluates, saves the scores and, when a tracking uri is configured,
// logs the run.
func (e *Evaluator) Run(ctx context.Context) error {
	defer e.release()

	if err := e.Evaluate(ctx); err != nil {
		return err
	}
	if err := e.SaveScore(); err != nil {
		return err
	}

	if e.cfg.MLflowURI == "" {
		slog.Info("no tracking uri configured, skipping run logging")
		return nil
	}

	store, err := tracking.Open(e.cfg.MLflowURI, e.tracking)
	if err != nil {
		return fmt.Errorf("error opening tracking store: %w", err)
	}
	defer store.Close()

	return e.LogIntoTracker(ctx, store)
}

func (e *Evaluator) release() {
	if e.model != nil {
		e.model.Release()
		e.model = nil
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
