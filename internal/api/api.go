package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"image"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kidney-classifier/internal/pipeline"
	"kidney-classifier/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"
)

const TrainingDoneMessage = "Training done successfully!"

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

type Predictor interface {
	Predict(ctx context.Context, imagePath string) ([]api.Prediction, error)
	Reload(ctx context.Context) error
}

type Config struct {
	// TrainCommand is the pipeline command run by /train, e.g. dvc repro.
	TrainCommand []string
	// InputImage is where /predict writes the decoded upload.
	InputImage string
	// LockFile guards against concurrent training runs.
	LockFile string
	// PredictTimeout bounds a single /predict request.
	PredictTimeout time.Duration
}

type ClassifierService struct {
	predictor Predictor
	cfg       Config
	// trainMu rejects overlapping runs within this process, trainLock across
	// processes sharing the lock file.
	trainMu   sync.Mutex
	trainLock *flock.Flock

	// The input image path is shared by every request.
	predictMu sync.Mutex
}

func NewClassifierService(predictor Predictor, cfg Config) *ClassifierService {
	if cfg.InputImage == "" {
		cfg.InputImage = "inputImage.jpg"
	}
	if cfg.LockFile == "" {
		cfg.LockFile = filepath.Join(os.TempDir(), "kidney-classifier-train.lock")
	}
	if cfg.PredictTimeout == 0 {
		cfg.PredictTimeout = 60 * time.Second
	}
	return &ClassifierService{predictor: predictor, cfg: cfg, trainLock: flock.New(cfg.LockFile)}
}

func (s *ClassifierService) AddRoutes(r chi.Router) {
	r.Get("/", s.Home)
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return api.HealthResponse{}, nil }))
	r.Get("/train", TextHandler(s.Train))
	r.Post("/train", TextHandler(s.Train))
	r.With(middleware.Timeout(s.cfg.PredictTimeout)).Post("/predict", RestHandler(s.Predict))
}

func (s *ClassifierService) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, nil); err != nil {
		slog.Error("error rendering index page", "error", err)
	}
}

// Train runs the pipeline command and reloads the predictor once it
// succeeds. Only one run may be in flight at a time.
func (s *ClassifierService) Train(r *http.Request) (string, error) {
	params, err := ParseRequestQueryParams[api.TrainParams](r)
	if err != nil {
		return "", err
	}

	if len(s.cfg.TrainCommand) == 0 {
		return "", CodedErrorf(http.StatusInternalServerError, "no training command configured")
	}

	if !s.trainMu.TryLock() {
		return "", CodedErrorf(http.StatusConflict, "training is already in progress")
	}
	defer s.trainMu.Unlock()

	locked, err := s.trainLock.TryLock()
	if err != nil {
		return "", CodedErrorf(http.StatusInternalServerError, "error acquiring training lock: %v", err)
	}
	if !locked {
		return "", CodedErrorf(http.StatusConflict, "training is already in progress")
	}
	defer func() {
		if err := s.trainLock.Unlock(); err != nil {
			slog.Error("error releasing training lock", "error", err)
		}
	}()

	args := append([]string(nil), s.cfg.TrainCommand[1:]...)
	if params.Force {
		args = append(args, "--force")
	}

	slog.Info("starting training", "command", s.cfg.TrainCommand[0], "args", args)
	start := time.Now()

	// The pipeline runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	cmd := exec.CommandContext(ctx, s.cfg.TrainCommand[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("training command failed", "error", err, "output", string(output))
		return "", CodedErrorf(http.StatusInternalServerError, "training failed: %v", err)
	}
	slog.Info("training command finished", "duration", time.Since(start), "output", string(output))

	if err := s.predictor.Reload(ctx); err != nil {
		return "", CodedErrorf(http.StatusInternalServerError, "training finished but the model could not be reloaded: %v", err)
	}

	return TrainingDoneMessage, nil
}

// Predict decodes the base64 image in the request, stores it as the input
// image and returns the classifier's label for it.
func (s *ClassifierService) Predict(r *http.Request) (any, error) {
	req, err := ParseRequest[api.PredictRequest](r)
	if err != nil {
		return nil, err
	}

	data, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	s.predictMu.Lock()
	defer s.predictMu.Unlock()

	if err := os.WriteFile(s.cfg.InputImage, data, 0644); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error saving input image: %v", err)
	}

	result, err := s.predictor.Predict(r.Context(), s.cfg.InputImage)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotReady) {
			return nil, CodedError(http.StatusServiceUnavailable, err)
		}
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error running prediction: %w", err))
	}

	return result, nil
}

// decodeImage accepts plain base64 or a data URL and checks that the bytes
// are an image in a supported format.
func decodeImage(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "image field is required")
	}
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "image is not valid base64: %v", err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "image format is not supported: %v", err)
	}
	slog.Debug("decoded input image", "format", format, "bytes", len(data))

	return data, nil
}
