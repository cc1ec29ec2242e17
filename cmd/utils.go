package cmd

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"kidney-classifier/internal/backends"
	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/storage"
	"kidney-classifier/internal/tracking"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config/config.yaml"`
	ParamsFile string `env:"PARAMS_FILE" envDefault:"params.yaml"`
	LogFile    string `env:"LOG_FILE"`

	Backend           string   `env:"BACKEND" envDefault:"plugin"`
	BackendPlugin     string   `env:"BACKEND_PLUGIN" envDefault:"./classifier-backend"`
	BackendPluginArgs []string `env:"BACKEND_PLUGIN_ARGS" envSeparator:" "`
	OnnxRuntimeDylib  string   `env:"ONNX_RUNTIME_DYLIB"`

	Port         int    `env:"PORT" envDefault:"8080"`
	TrainCommand string `env:"TRAIN_COMMAND" envDefault:"dvc repro"`
	TrainLock    string `env:"TRAIN_LOCK_FILE"`
	InputImage   string `env:"INPUT_IMAGE" envDefault:"inputImage.jpg"`
	// ModelPath overrides the trained model path from the config file. An
	// s3:// location is downloaded under the artifacts root before loading.
	ModelPath  string `env:"MODEL_PATH"`
	WatchModel bool   `env:"WATCH_MODEL" envDefault:"false"`
	Seed       uint64 `env:"TRAINING_SEED"`

	TrackingUsername string `env:"MLFLOW_TRACKING_USERNAME"`
	TrackingPassword string `env:"MLFLOW_TRACKING_PASSWORD"`
	Experiment       string `env:"MLFLOW_EXPERIMENT_NAME"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func LoadEnvFile(path string) {
	if path == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", path)
	err := godotenv.Load(path)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", path, err)
	}
}

func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
		log.Println("Warning: S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing.")
	}
	return cfg, nil
}

// SetupLogging mirrors log output to the log file when one is configured.
func SetupLogging(cfg Config) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogFile == "" {
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating directory for log file: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(f, os.Stderr))
	return f, nil
}

func (c Config) Manager() (*config.Manager, error) {
	return config.NewManager(c.ConfigFile, c.ParamsFile)
}

func (c Config) NewBackend() (core.Backend, error) {
	return backends.New(core.BackendType(c.Backend), backends.Options{
		PluginPath:       c.BackendPlugin,
		PluginArgs:       c.BackendPluginArgs,
		OnnxRuntimeDylib: c.OnnxRuntimeDylib,
	})
}

func (c Config) S3Config() storage.S3ProviderConfig {
	return storage.S3ProviderConfig{
		S3EndpointURL:     c.S3EndpointURL,
		S3AccessKeyID:     c.S3AccessKeyID,
		S3SecretAccessKey: c.S3SecretAccessKey,
		S3Region:          c.S3Region,
	}
}

func (c Config) TrackingOptions() tracking.Options {
	return tracking.Options{
		Experiment:  c.Experiment,
		Username:    c.TrackingUsername,
		Password:    c.TrackingPassword,
		NewProvider: tracking.S3Providers(c.S3Config()),
	}
}

func (c Config) TrainArgs() []string {
	return strings.Fields(c.TrainCommand)
}

// RunStage logs the start and end of a pipeline stage. Errors are logged and
// returned unchanged.
func RunStage(name string, fn func() error) error {
	slog.Info(fmt.Sprintf(">>>>>> stage %s started <<<<<<", name))
	if err := fn(); err != nil {
		slog.Error("stage failed", "stage", name, "error", err)
		return err
	}
	slog.Info(fmt.Sprintf(">>>>>> stage %s completed <<<<<<\n\nx==========x", name))
	return nil
}
