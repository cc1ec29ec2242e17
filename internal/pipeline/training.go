package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/dataset"
)

const trainingValidationSplit = 0.2

// EpochMetrics is what one epoch of fit reports.
type EpochMetrics struct {
	Epoch      int
	Train      core.Metrics
	Validation core.Metrics
	// Validated is false when there were too few validation samples for one batch.
	Validated bool
}

// Trainer fine tunes the prepared classifier on the unpacked dataset.
type Trainer struct {
	cfg     config.TrainingConfig
	backend core.Backend

	// Seed drives shuffling and augmentation of the training subset.
	Seed uint64

	model core.Model
	train *dataset.Iterator
	valid *dataset.Iterator

	History []EpochMetrics
}

func NewTrainer(cfg config.TrainingConfig, backend core.Backend) *Trainer {
	return &Trainer{cfg: cfg, backend: backend, Seed: uint64(time.Now().UnixNano())}
}

// LoadCustomizedModel loads the classifier written by the base model stage.
func (t *Trainer) LoadCustomizedModel(ctx context.Context) error {
	model, err := t.backend.Load(ctx, t.cfg.UpdatedBaseModelPath)
	if err != nil {
		return fmt.Errorf("error loading updated base model %s: %w", t.cfg.UpdatedBaseModelPath, err)
	}
	t.release()
	t.model = model
	return nil
}

// BuildGenerators creates the validation iterator (20% split, fixed order)
// and the training iterator (the remainder, shuffled, augmented on request).
func (t *Trainer) BuildGenerators(augment bool) error {
	base := dataset.Generator{Rescale: dataset.DefaultRescale, ValidationSplit: trainingValidationSplit}
	flow := dataset.FlowOptions{TargetSize: t.cfg.ImageSize, BatchSize: t.cfg.BatchSize}

	validOpts := flow
	validOpts.Subset = dataset.Validation
	valid, err := base.FlowFromDirectory(t.cfg.TrainingData, validOpts)
	if err != nil {
		return fmt.Errorf("error creating validation generator: %w", err)
	}

	trainGen := base
	if augment {
		aug := dataset.DefaultAugmentation
		trainGen.Augment = &aug
	}
	trainOpts := flow
	trainOpts.Subset = dataset.Training
	trainOpts.Shuffle = true
	trainOpts.Seed = t.Seed
	train, err := trainGen.FlowFromDirectory(t.cfg.TrainingData, trainOpts)
	if err != nil {
		return fmt.Errorf("error creating training generator: %w", err)
	}

	if found := len(train.ClassIndices()); found != t.cfg.Classes {
		return fmt.Errorf("%w: %s has %d class directories %v, expected %d", dataset.ErrClassCountMismatch, t.cfg.TrainingData, found, train.ClassIndices().Labels(), t.cfg.Classes)
	}

	slog.Info("found images", "subset", dataset.Training, "images", train.Samples(), "classes", len(train.ClassIndices()))
	slog.Info("found images", "subset", dataset.Validation, "images", valid.Samples(), "classes", len(valid.ClassIndices()))

	t.train, t.valid = train, valid
	return nil
}

// Run recompiles the model with a fresh optimizer, fits it for the configured
// epochs and saves it to the trained model path together with its class
// indices.
func (t *Trainer) Run(ctx context.Context) error {
	if t.model == nil {
		return errors.New("no model loaded for training")
	}
	if t.train == nil || t.valid == nil {
		return errors.New("data generators have not been built")
	}

	steps := t.train.StepsPerEpoch()
	validationSteps := t.valid.StepsPerEpoch()
	if steps == 0 {
		return fmt.Errorf("training subset has %d images, fewer than one batch of %d", t.train.Samples(), t.train.BatchSize())
	}

	if err := t.model.Compile(core.SGD(t.cfg.LearningRate)); err != nil {
		return fmt.Errorf("error compiling model: %w", err)
	}

	slog.Info("starting training", "epochs", t.cfg.Epochs, "steps_per_epoch", steps, "validation_steps", validationSteps)
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()

		trainMetrics, err := runSteps(ctx, t.train, steps, t.model.TrainOnBatch)
		if err != nil {
			return fmt.Errorf("error training epoch %d: %w", epoch, err)
		}

		result := EpochMetrics{Epoch: epoch, Train: trainMetrics}
		if validationSteps > 0 {
			result.Validation, err = runSteps(ctx, t.valid, validationSteps, t.model.TestOnBatch)
			if err != nil {
				return fmt.Errorf("error validating epoch %d: %w", epoch, err)
			}
			result.Validated = true
		}
		t.History = append(t.History, result)

		slog.Info("epoch complete", "epoch", epoch, "of", t.cfg.Epochs, "loss", result.Train.Loss, "accuracy", result.Train.Accuracy,
			"val_loss", result.Validation.Loss, "val_accuracy", result.Validation.Accuracy, "duration", time.Since(start))
	}

	if err := t.model.Save(t.cfg.TrainedModelPath); err != nil {
		return fmt.Errorf("error saving trained model to %s: %w", t.cfg.TrainedModelPath, err)
	}

	indicesPath := dataset.ClassIndicesPath(t.cfg.TrainedModelPath)
	if err := t.train.ClassIndices().Save(indicesPath); err != nil {
		return err
	}

	slog.Info("saved trained model", "path", t.cfg.TrainedModelPath, "class_indices", indicesPath)
	return nil
}

func (t *Trainer) Close() {
	t.release()
}

func (t *Trainer) release() {
	if t.model != nil {
		t.model.Release()
		t.model = nil
	}
}

type batchFunc func(context.Context, *core.Batch) (core.Metrics, error)

// runSteps pulls steps batches from it and averages the reported metrics,
// weighting each batch by its size.
func runSteps(ctx context.Context, it *dataset.Iterator, steps int, fn batchFunc) (core.Metrics, error) {
	var acc metricsAccumulator
	for step := 0; step < steps; step++ {
		batch, err := it.Next(ctx)
		if err != nil {
			return core.Metrics{}, err
		}
		m, err := fn(ctx, batch)
		if err != nil {
			return core.Metrics{}, err
		}
		acc.add(m, batch.Size)
	}
	return acc.mean(), nil
}

type metricsAccumulator struct {
	loss, accuracy float64
	samples        int
}

func (a *metricsAccumulator) add(m core.Metrics, n int) {
	a.loss += m.Loss * float64(n)
	a.accuracy += m.Accuracy * float64(n)
	a.samples += n
}

func (a *metricsAccumulator) mean() core.Metrics {
	if a.samples == 0 {
		return core.Metrics{}
	}
	return core.Metrics{Loss: a.loss / float64(a.samples), Accuracy: a.accuracy / float64(a.samples)}
}
