package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
)

// BaseModelPreparer fetches the pretrained network and turns it into a
// compiled classifier.
type BaseModelPreparer struct {
	cfg     config.BaseModelConfig
	backend core.Backend

	model core.Model
}

func NewBaseModelPreparer(cfg config.BaseModelConfig, backend core.Backend) *BaseModelPreparer {
	return &BaseModelPreparer{cfg: cfg, backend: backend}
}

// FetchPretrained loads the pretrained convolutional base and saves it to the
// base model path.
func (p *BaseModelPreparer) FetchPretrained(ctx context.Context) error {
	model, err := p.backend.FetchPretrained(ctx, core.PretrainedOptions{
		Architecture: p.cfg.Architecture,
		InputShape:   p.cfg.ImageSize,
		Weights:      p.cfg.Weights,
		IncludeTop:   p.cfg.IncludeTop,
	})
	if err != nil {
		return fmt.Errorf("error fetching pretrained %s: %w", p.cfg.Architecture, err)
	}

	if err := model.Save(p.cfg.BaseModelPath); err != nil {
		model.Release()
		return fmt.Errorf("error saving base model to %s: %w", p.cfg.BaseModelPath, err)
	}
	slog.Info("saved base model", "architecture", p.cfg.Architecture, "path", p.cfg.BaseModelPath)

	p.release()
	p.model = model
	return nil
}

// BuildClassifier freezes the fetched network, appends the classification
// head, compiles it and saves it to the updated base model path.
func (p *BaseModelPreparer) BuildClassifier(freezeAll bool, freezeTill int, learningRate float64, classes int) error {
	if p.model == nil {
		return errors.New("no pretrained model fetched")
	}

	if err := core.ApplyFreeze(p.model, freezeAll, freezeTill); err != nil {
		return err
	}
	if err := p.model.AddClassificationHead(classes); err != nil {
		return fmt.Errorf("error adding classification head: %w", err)
	}
	if err := p.model.Compile(core.SGD(learningRate)); err != nil {
		return fmt.Errorf("error compiling model: %w", err)
	}

	if err := p.model.Save(p.cfg.UpdatedBaseModelPath); err != nil {
		return fmt.Errorf("error saving updated base model to %s: %w", p.cfg.UpdatedBaseModelPath, err)
	}

	if layers, err := p.model.Layers(); err == nil {
		trainable := 0
		for _, l := range layers {
			if l.Trainable {
				trainable++
			}
		}
		slog.Info("saved updated base model", "path", p.cfg.UpdatedBaseModelPath, "layers", len(layers), "trainable", trainable, "classes", classes)
	}
	return nil
}

func (p *BaseModelPreparer) Run(ctx context.Context) error {
	defer p.release()

	if err := p.FetchPretrained(ctx); err != nil {
		return err
	}
	return p.BuildClassifier(p.cfg.FreezeAll, p.cfg.FreezeTill, p.cfg.LearningRate, p.cfg.Classes)
}

func (p *BaseModelPreparer) release() {
	if p.model != nil {
		p.model.Release()
		p.model = nil
	}
}
