package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/dataset"
	"kidney-classifier/pkg/api"

	"github.com/fsnotify/fsnotify"
)

var ErrNotReady = errors.New("prediction service is not ready: no model loaded")

// Labels used when a model has no class_indices.json next to it.
const (
	LabelNormal = "Normal"
	LabelTumor  = "Tumor"
)

const reloadDebounce = 500 * time.Millisecond

type PredictorConfig struct {
	ModelPath string
	ImageSize config.ImageSize
	// Remote, when set, is copied to ModelPath before every load.
	Remote *RemoteModel
}

// Predictor serves predictions from the trained model. It is uninitialized
// until Load succeeds, after which it stays ready; Reload swaps in a newer
// artifact.
type Predictor struct {
	backend core.Backend
	cfg     PredictorConfig

	mu     sync.Mutex
	model  core.Model
	labels []string
}

func NewPredictor(backend core.Backend, cfg PredictorConfig) *Predictor {
	return &Predictor{backend: backend, cfg: cfg}
}

// Load reads the trained model and its class indices.
func (p *Predictor) Load(ctx context.Context) error {
	if r := p.cfg.Remote; r != nil {
		if err := FetchModel(ctx, r.Provider, r.Location, p.cfg.ModelPath); err != nil {
			return err
		}
	}

	model, err := p.backend.Load(ctx, p.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("error loading model %s: %w", p.cfg.ModelPath, err)
	}

	var labels []string
	indicesPath := dataset.ClassIndicesPath(p.cfg.ModelPath)
	indices, err := dataset.LoadClassIndices(indicesPath)
	switch {
	case err == nil:
		labels = indices.Labels()
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("no class indices found for model, using default labels", "path", indicesPath)
	default:
		model.Release()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		p.model.Release()
	}
	p.model = model
	p.labels = labels

	slog.Info("loaded model for prediction", "path", p.cfg.ModelPath, "labels", labels)
	return nil
}

// Reload replaces the served model with the artifact currently on disk. The
// previous model keeps serving if loading fails.
func (p *Predictor) Reload(ctx context.Context) error {
	return p.Load(ctx)
}

func (p *Predictor) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

// Predict classifies the image file at path and returns a single record
// holding its label.
func (p *Predictor) Predict(ctx context.Context, path string) ([]api.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.model == nil {
		return nil, ErrNotReady
	}

	size := p.cfg.ImageSize
	batch := core.NewBatch(1, size.Height(), size.Width(), size.Channels(), 0)
	batch.Labels = nil
	if err := dataset.LoadImage(path, size.Height(), size.Width(), size.Channels(), dataset.DefaultRescale, batch.Sample(0)); err != nil {
		return nil, fmt.Errorf("error reading image %s: %w", path, err)
	}

	probs, err := p.model.Predict(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("error running prediction: %w", err)
	}
	if len(probs) != 1 {
		return nil, fmt.Errorf("expected 1 prediction, got %d", len(probs))
	}

	idx := core.ArgMax(probs[0])
	label := p.label(idx)
	slog.Info("prediction", "index", idx, "label", label)

	return []api.Prediction{{Image: label}}, nil
}

func (p *Predictor) label(idx int) string {
	if p.labels != nil {
		if idx >= 0 && idx < len(p.labels) && p.labels[idx] != "" {
			return p.labels[idx]
		}
	}
	if idx == 1 {
		return LabelTumor
	}
	return LabelNormal
}

// Watch reloads the model whenever the trained artifact is rewritten, until
// ctx is cancelled.
func (p *Predictor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.cfg.ModelPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("error watching %s: %w", dir, err)
	}
	slog.Info("watching for model updates", "path", p.cfg.ModelPath)

	target := filepath.Clean(p.cfg.ModelPath)
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			reload = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("model watcher error", "error", err)

		case <-reload:
			reload = nil
			if err := p.Reload(ctx); err != nil {
				slog.Error("error reloading model", "path", p.cfg.ModelPath, "error", err)
			}
		}
	}
}

func (p *Predictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		p.model.Release()
		p.model = nil
	}
}
