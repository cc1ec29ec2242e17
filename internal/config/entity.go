package config

// ImageSize is the network input resolution as [height, width, channels].
type ImageSize [3]int

func (s ImageSize) Height() int   { return s[0] }
func (s ImageSize) Width() int    { return s[1] }
func (s ImageSize) Channels() int { return s[2] }

// Download policies for the ingestion stage.
const (
	DownloadAlways    = "always"
	DownloadIfMissing = "if-missing"
)

type IngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string

	// Policy is one of DownloadAlways or DownloadIfMissing.
	Policy string
	// SHA256 is the optional expected hex digest of the archive.
	SHA256 string
}

type BaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string

	Architecture string
	ImageSize    ImageSize
	LearningRate float64
	IncludeTop   bool
	Weights      string
	Classes      int
	FreezeAll    bool
	FreezeTill   int
}

type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string

	Epochs       int
	BatchSize    int
	Augmentation bool
	ImageSize    ImageSize
	LearningRate float64
	// Classes is the width of the classification head; the dataset must have
	// one subdirectory per class.
	Classes int
}

type EvaluationConfig struct {
	ModelPath           string
	TrainingData        string
	MLflowURI           string
	ArtifactRoot        string
	ScoresPath          string
	RegisteredModelName string

	// AllParams holds every hyperparameter, keyed the way params.yaml spells them.
	AllParams map[string]string
	ImageSize ImageSize
	BatchSize int
}
