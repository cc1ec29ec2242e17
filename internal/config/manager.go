package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	DefaultConfigFile = "config/config.yaml"
	DefaultParamsFile = "params.yaml"

	DefaultScoresPath          = "scores.json"
	DefaultRegisteredModelName = "VGG16Model"
	DefaultArchitecture        = "vgg16"
)

var (
	ErrEmptyConfig = errors.New("yaml file is empty")
	ErrMissingKey  = errors.New("missing required key")
	ErrInvalid     = errors.New("invalid configuration value")
)

type pipelineDocument struct {
	ArtifactsRoot string `yaml:"artifacts_root"`

	DataIngestion *struct {
		RootDir        string `yaml:"root_dir"`
		SourceURL      string `yaml:"source_URL"`
		LocalDataFile  string `yaml:"local_data_file"`
		UnzipDir       string `yaml:"unzip_dir"`
		DownloadPolicy string `yaml:"download_policy"`
		SHA256         string `yaml:"sha256"`
	} `yaml:"data_ingestion"`

	PrepareBaseModel *struct {
		RootDir              string `yaml:"root_dir"`
		BaseModelPath        string `yaml:"base_model_path"`
		UpdatedBaseModelPath string `yaml:"updated_base_model_path"`
	} `yaml:"prepare_base_model"`

	Training *struct {
		RootDir          string `yaml:"root_dir"`
		TrainedModelPath string `yaml:"trained_model_path"`
		TrainingData     string `yaml:"training_data"`
	} `yaml:"training"`

	Evaluation *struct {
		PathOfModel         string `yaml:"path_of_model"`
		MLflowURI           string `yaml:"mlflow_uri"`
		ArtifactRoot        string `yaml:"artifact_root"`
		ScoresPath          string `yaml:"scores_path"`
		RegisteredModelName string `yaml:"registered_model_name"`
	} `yaml:"evaluation"`
}

// Params mirrors params.yaml. Pointer fields distinguish a missing key from a zero value.
type Params struct {
	ImageSize    []int    `yaml:"IMAGE_SIZE"`
	LearningRate *float64 `yaml:"LEARNING_RATE"`
	IncludeTop   *bool    `yaml:"INCLUDE_TOP"`
	Weights      *string  `yaml:"WEIGHTS"`
	Classes      *int     `yaml:"CLASSES"`
	Epochs       *int     `yaml:"EPOCHS"`
	BatchSize    *int     `yaml:"BATCH_SIZE"`
	Augmentation *bool    `yaml:"AUGMENTATION"`

	Architecture *string `yaml:"ARCHITECTURE,omitempty"`
	FreezeAll    *bool   `yaml:"FREEZE_ALL,omitempty"`
	FreezeTill   *int    `yaml:"FREEZE_TILL,omitempty"`
}

// Manager turns the two pipeline documents into per-stage configuration records.
type Manager struct {
	doc    pipelineDocument
	params Params
}

func NewManager(configPath, paramsPath string) (*Manager, error) {
	var m Manager
	if err := readYAML(configPath, &m.doc); err != nil {
		return nil, err
	}
	if err := readYAML(paramsPath, &m.params); err != nil {
		return nil, err
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	if err := CreateDirectories(m.doc.ArtifactsRoot); err != nil {
		return nil, err
	}

	return &m, nil
}

func readYAML(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading yaml file %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error parsing yaml file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 || raw == nil {
		return fmt.Errorf("%s: %w", path, ErrEmptyConfig)
	}

	if err := yaml.UnmarshalStrict(data, dest); err != nil {
		return fmt.Errorf("error parsing yaml file %s: %w", path, err)
	}

	slog.Info("yaml file loaded successfully", "path", path)
	return nil
}

// CreateDirectories creates each directory if it does not already exist.
func CreateDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
		slog.Info("created directory", "path", dir)
	}
	return nil
}

func (m *Manager) validate() error {
	var missing []string
	need := func(ok bool, key string) {
		if !ok {
			missing = append(missing, key)
		}
	}

	d := &m.doc
	need(d.ArtifactsRoot != "", "artifacts_root")

	need(d.DataIngestion != nil, "data_ingestion")
	if d.DataIngestion != nil {
		need(d.DataIngestion.RootDir != "", "data_ingestion.root_dir")
		need(d.DataIngestion.SourceURL != "", "data_ingestion.source_URL")
		need(d.DataIngestion.LocalDataFile != "", "data_ingestion.local_data_file")
		need(d.DataIngestion.UnzipDir != "", "data_ingestion.unzip_dir")
	}

	need(d.PrepareBaseModel != nil, "prepare_base_model")
	if d.PrepareBaseModel != nil {
		need(d.PrepareBaseModel.RootDir != "", "prepare_base_model.root_dir")
		need(d.PrepareBaseModel.BaseModelPath != "", "prepare_base_model.base_model_path")
		need(d.PrepareBaseModel.UpdatedBaseModelPath != "", "prepare_base_model.updated_base_model_path")
	}

	need(d.Training != nil, "training")
	if d.Training != nil {
		need(d.Training.RootDir != "", "training.root_dir")
		need(d.Training.TrainedModelPath != "", "training.trained_model_path")
		need(d.Training.TrainingData != "", "training.training_data")
	}

	p := &m.params
	need(p.ImageSize != nil, "IMAGE_SIZE")
	need(p.LearningRate != nil, "LEARNING_RATE")
	need(p.IncludeTop != nil, "INCLUDE_TOP")
	need(p.Weights != nil, "WEIGHTS")
	need(p.Classes != nil, "CLASSES")
	need(p.Epochs != nil, "EPOCHS")
	need(p.BatchSize != nil, "BATCH_SIZE")
	need(p.Augmentation != nil, "AUGMENTATION")

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}

	if len(p.ImageSize) != 3 || p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 || p.ImageSize[2] <= 0 {
		return fmt.Errorf("%w: IMAGE_SIZE must be [height, width, channels], got %v", ErrInvalid, p.ImageSize)
	}
	if *p.Classes < 2 {
		return fmt.Errorf("%w: CLASSES must be at least 2, got %d", ErrInvalid, *p.Classes)
	}
	if *p.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive, got %d", ErrInvalid, *p.BatchSize)
	}
	if *p.Epochs <= 0 {
		return fmt.Errorf("%w: EPOCHS must be positive, got %d", ErrInvalid, *p.Epochs)
	}
	if p.FreezeTill != nil && *p.FreezeTill < 0 {
		return fmt.Errorf("%w: FREEZE_TILL must not be negative, got %d", ErrInvalid, *p.FreezeTill)
	}
	if policy := d.DataIngestion.DownloadPolicy; policy != "" && policy != DownloadAlways && policy != DownloadIfMissing {
		return fmt.Errorf("%w: download_policy must be %q or %q, got %q", ErrInvalid, DownloadAlways, DownloadIfMissing, policy)
	}

	return nil
}

func (m *Manager) ArtifactsRoot() string {
	return m.doc.ArtifactsRoot
}

func (m *Manager) Params() Params {
	return m.params
}

func (m *Manager) imageSize() ImageSize {
	return ImageSize{m.params.ImageSize[0], m.params.ImageSize[1], m.params.ImageSize[2]}
}

func (m *Manager) IngestionConfig() IngestionConfig {
	c := m.doc.DataIngestion
	policy := c.DownloadPolicy
	if policy == "" {
		policy = DownloadAlways
	}
	return IngestionConfig{
		RootDir:       c.RootDir,
		SourceURL:     c.SourceURL,
		LocalDataFile: c.LocalDataFile,
		UnzipDir:      c.UnzipDir,
		Policy:        policy,
		SHA256:        strings.ToLower(c.SHA256),
	}
}

func (m *Manager) BaseModelConfig() (BaseModelConfig, error) {
	c := m.doc.PrepareBaseModel
	if err := CreateDirectories(c.RootDir); err != nil {
		return BaseModelConfig{}, err
	}

	p := m.params
	cfg := BaseModelConfig{
		RootDir:              c.RootDir,
		BaseModelPath:        c.BaseModelPath,
		UpdatedBaseModelPath: c.UpdatedBaseModelPath,
		Architecture:         DefaultArchitecture,
		ImageSize:            m.imageSize(),
		LearningRate:         *p.LearningRate,
		IncludeTop:           *p.IncludeTop,
		Weights:              *p.Weights,
		Classes:              *p.Classes,
		FreezeAll:            true,
	}
	if p.Architecture != nil {
		cfg.Architecture = *p.Architecture
	}
	if p.FreezeAll != nil {
		cfg.FreezeAll = *p.FreezeAll
	}
	if p.FreezeTill != nil {
		cfg.FreezeTill = *p.FreezeTill
	}
	return cfg, nil
}

func (m *Manager) TrainingConfig() (TrainingConfig, error) {
	c := m.doc.Training
	if err := CreateDirectories(c.RootDir); err != nil {
		return TrainingConfig{}, err
	}

	p := m.params
	return TrainingConfig{
		RootDir:              c.RootDir,
		TrainedModelPath:     c.TrainedModelPath,
		UpdatedBaseModelPath: m.doc.PrepareBaseModel.UpdatedBaseModelPath,
		TrainingData:         c.TrainingData,
		Epochs:               *p.Epochs,
		BatchSize:            *p.BatchSize,
		Augmentation:         *p.Augmentation,
		ImageSize:            m.imageSize(),
		LearningRate:         *p.LearningRate,
		Classes:              *p.Classes,
	}, nil
}

func (m *Manager) EvaluationConfig() EvaluationConfig {
	cfg := EvaluationConfig{
		ModelPath:           m.doc.Training.TrainedModelPath,
		TrainingData:        m.doc.Training.TrainingData,
		ScoresPath:          DefaultScoresPath,
		RegisteredModelName: DefaultRegisteredModelName,
		AllParams:           m.params.Flatten(),
		ImageSize:           m.imageSize(),
		BatchSize:           *m.params.BatchSize,
	}

	if e := m.doc.Evaluation; e != nil {
		if e.PathOfModel != "" {
			cfg.ModelPath = e.PathOfModel
		}
		if e.ScoresPath != "" {
			cfg.ScoresPath = e.ScoresPath
		}
		if e.RegisteredModelName != "" {
			cfg.RegisteredModelName = e.RegisteredModelName
		}
		cfg.MLflowURI = e.MLflowURI
		cfg.ArtifactRoot = e.ArtifactRoot
	}

	return cfg
}

// Flatten renders every set hyperparameter as a string, keyed by its params.yaml name.
func (p Params) Flatten() map[string]string {
	out := make(map[string]string)

	if p.ImageSize != nil {
		dims := make([]string, len(p.ImageSize))
		for i, d := range p.ImageSize {
			dims[i] = strconv.Itoa(d)
		}
		out["IMAGE_SIZE"] = "[" + strings.Join(dims, ", ") + "]"
	}
	if p.LearningRate != nil {
		out["LEARNING_RATE"] = strconv.FormatFloat(*p.LearningRate, 'g', -1, 64)
	}
	if p.IncludeTop != nil {
		out["INCLUDE_TOP"] = strconv.FormatBool(*p.IncludeTop)
	}
	if p.Weights != nil {
		out["WEIGHTS"] = *p.Weights
	}
	if p.Classes != nil {
		out["CLASSES"] = strconv.Itoa(*p.Classes)
	}
	if p.Epochs != nil {
		out["EPOCHS"] = strconv.Itoa(*p.Epochs)
	}
	if p.BatchSize != nil {
		out["BATCH_SIZE"] = strconv.Itoa(*p.BatchSize)
	}
	if p.Augmentation != nil {
		out["AUGMENTATION"] = strconv.FormatBool(*p.Augmentation)
	}
	if p.Architecture != nil {
		out["ARCHITECTURE"] = *p.Architecture
	}
	if p.FreezeAll != nil {
		out["FREEZE_ALL"] = strconv.FormatBool(*p.FreezeAll)
	}
	if p.FreezeTill != nil {
		out["FREEZE_TILL"] = strconv.Itoa(*p.FreezeTill)
	}

	return out
}
