package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"kidney-classifier/internal/database"
	"kidney-classifier/internal/storage"
)

var (
	ErrNoTrackingURI         = errors.New("no tracking uri configured")
	ErrRegistryNotSupported  = errors.New("model registry is not supported by the local file store")
	ErrUnsupportedTrackerURI = errors.New("unsupported tracking uri")
	ErrParamChanged          = errors.New("param already logged with a different value")
)

const DefaultExperiment = "Default"

// RunNameTag is the tag MLflow displays as the run name.
const RunNameTag = "mlflow.runName"

// Run statuses, as MLflow names them.
const (
	StatusRunning  = database.RunRunning
	StatusFinished = database.RunFinished
	StatusFailed   = database.RunFailed
)

// Store creates runs in an experiment tracking backend.
type Store interface {
	StartRun(ctx context.Context, name string) (Run, error)

	// IsLocal reports whether the store is a plain local file store, which
	// has no model registry.
	IsLocal() bool

	Close() error
}

// Run is one tracked execution. Runs are not safe for concurrent use.
type Run interface {
	ID() string

	ArtifactURI() string

	// LogParams records params. Params are immutable: logging a key again
	// with a different value fails with ErrParamChanged.
	LogParams(ctx context.Context, params map[string]string) error

	SetTags(ctx context.Context, tags map[string]string) error

	LogMetrics(ctx context.Context, metrics map[string]float64) error

	// LogModel copies the model file or directory at path under artifactPath
	// in the run's artifact location and returns the artifact URI.
	LogModel(ctx context.Context, path, artifactPath string) (string, error)

	// RegisterModel records source as a new version of the named model and
	// returns the version number.
	RegisterModel(ctx context.Context, name, source string) (int, error)

	End(ctx context.Context, status string) error
}

type Options struct {
	Experiment string

	// ArtifactRoot is where database backed stores put run artifacts; either a
	// local directory or an s3://bucket/prefix location.
	ArtifactRoot string

	Username string
	Password string

	// NewProvider opens the object store for s3:// artifact locations.
	NewProvider func(loc storage.Location) (storage.Provider, error)
}

func (o Options) experiment() string {
	if o.Experiment == "" {
		return DefaultExperiment
	}
	return o.Experiment
}

// S3Providers opens S3 providers for artifact locations with the given settings.
func S3Providers(cfg storage.S3ProviderConfig) func(storage.Location) (storage.Provider, error) {
	return func(loc storage.Location) (storage.Provider, error) {
		return storage.NewS3Provider(&cfg)
	}
}

// Open selects a store by the scheme of uri: file:// or a bare path for the
// local file store, sqlite:// and postgres:// for a database store, and
// http(s):// for an MLflow tracking server.
func Open(uri string, opts Options) (Store, error) {
	switch {
	case uri == "":
		return nil, ErrNoTrackingURI
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid tracking uri %q: %w", uri, err)
		}
		return NewFileStore(u.Path, opts)
	case database.IsDatabaseURI(uri):
		db, err := database.NewDatabase(uri)
		if err != nil {
			return nil, err
		}
		return NewDBStore(db, opts)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewMLflowStore(uri, opts)
	case !strings.Contains(uri, "://"):
		return NewFileStore(uri, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrackerURI, uri)
	}
}

// logArtifacts copies src under artifactPath at the artifact location dest.
func logArtifacts(ctx context.Context, opts Options, dest, src, artifactPath string) (string, error) {
	if strings.HasPrefix(dest, "s3://") {
		loc, err := storage.ParseLocation(dest)
		if err != nil {
			return "", err
		}
		if opts.NewProvider == nil {
			return "", fmt.Errorf("no object store configured for %s", dest)
		}
		provider, err := opts.NewProvider(loc)
		if err != nil {
			return "", fmt.Errorf("error opening artifact store: %w", err)
		}
		if err := provider.CreateBucket(ctx, loc.Bucket); err != nil {
			return "", err
		}
		if _, err := storage.UploadPath(ctx, provider, loc.Bucket, loc.Key(artifactPath), src); err != nil {
			return "", fmt.Errorf("error uploading artifacts to %s: %w", dest, err)
		}
		return strings.TrimRight(dest, "/") + "/" + artifactPath, nil
	}

	dir := strings.TrimPrefix(dest, "file://")
	if _, err := storage.UploadPath(ctx, storage.NewLocalProvider(dir), "", artifactPath, src); err != nil {
		return "", fmt.Errorf("error copying artifacts to %s: %w", dir, err)
	}
	return filepath.Join(dir, artifactPath), nil
}
