package tracking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// FileStore keeps runs in an mlruns style directory tree:
//
//	<root>/<experiment id>/meta.yaml
//	<root>/<experiment id>/<run id>/{meta.yaml,params/,metrics/,tags/,artifacts/}
type FileStore struct {
	root         string
	experimentId string
	opts         Options
}

type experimentMeta struct {
	ExperimentId     string `yaml:"experiment_id"`
	Name             string `yaml:"name"`
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
}

type runMeta struct {
	RunId        string `yaml:"run_id"`
	RunName      string `yaml:"run_name"`
	ExperimentId string `yaml:"experiment_id"`
	ArtifactURI  string `yaml:"artifact_uri"`
	Status       string `yaml:"status"`
	StartTime    int64  `yaml:"start_time"`
	EndTime      int64  `yaml:"end_time,omitempty"`
}

func NewFileStore(root string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating tracking directory %s: %w", root, err)
	}

	store := &FileStore{root: root, opts: opts}
	id, err := store.findOrCreateExperiment(opts.experiment())
	if err != nil {
		return nil, err
	}
	store.experimentId = id
	return store, nil
}

func (s *FileStore) findOrCreateExperiment(name string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("error reading tracking directory: %w", err)
	}

	var ids []int
	for _, e := range entries {
		id, err := strconv.Atoi(e.Name())
		if !e.IsDir() || err != nil {
			continue
		}
		ids = append(ids, id)

		var meta experimentMeta
		if err := readYAML(filepath.Join(s.root, e.Name(), "meta.yaml"), &meta); err != nil {
			continue
		}
		if meta.Name == name {
			return e.Name(), nil
		}
	}

	next := 0
	if len(ids) > 0 {
		sort.Ints(ids)
		next = ids[len(ids)-1] + 1
	}

	id := strconv.Itoa(next)
	dir := filepath.Join(s.root, id)
	meta := experimentMeta{
		ExperimentId:     id,
		Name:             name,
		ArtifactLocation: dir,
		CreationTime:     time.Now().UnixMilli(),
	}
	if err := writeYAML(filepath.Join(dir, "meta.yaml"), meta); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FileStore) IsLocal() bool { return true }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) StartRun(ctx context.Context, name string) (Run, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, s.experimentId, id)

	run := &fileRun{
		dir:  dir,
		opts: s.opts,
		meta: runMeta{
			RunId:        id,
			RunName:      name,
			ExperimentId: s.experimentId,
			ArtifactURI:  filepath.Join(dir, "artifacts"),
			Status:       StatusRunning,
			StartTime:    time.Now().UnixMilli(),
		},
	}

	for _, sub := range []string{"params", "metrics", "tags", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), os.ModePerm); err != nil {
			return nil, fmt.Errorf("error creating run directory: %w", err)
		}
	}
	if err := run.writeMeta(); err != nil {
		return nil, err
	}
	if err := run.SetTags(ctx, map[string]string{RunNameTag: name}); err != nil {
		return nil, err
	}
	return run, nil
}

type fileRun struct {
	dir  string
	opts Options
	meta runMeta
}

func (r *fileRun) ID() string { return r.meta.RunId }

func (r *fileRun) ArtifactURI() string { return r.meta.ArtifactURI }

func (r *fileRun) writeMeta() error {
	return writeYAML(filepath.Join(r.dir, "meta.yaml"), r.meta)
}

func (r *fileRun) LogParams(ctx context.Context, params map[string]string) error {
	for key, value := range params {
		path := filepath.Join(r.dir, "params", key)
		existing, err := os.ReadFile(path)
		switch {
		case err == nil && string(existing) == value:
			continue
		case err == nil:
			return fmt.Errorf("%w: %s is %q, got %q", ErrParamChanged, key, existing, value)
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("error reading param %s: %w", key, err)
		}
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return fmt.Errorf("error logging param %s: %w", key, err)
		}
	}
	return nil
}

// SetTags writes one file per tag under tags/.
func (r *fileRun) SetTags(ctx context.Context, tags map[string]string) error {
	for key, value := range tags {
		if err := os.WriteFile(filepath.Join(r.dir, "tags", key), []byte(value), 0644); err != nil {
			return fmt.Errorf("error setting tag %s: %w", key, err)
		}
	}
	return nil
}

// LogMetrics appends "<timestamp> <value> <step>" lines to one file per metric.
func (r *fileRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	ts := time.Now().UnixMilli()
	for key, value := range metrics {
		f, err := os.OpenFile(filepath.Join(r.dir, "metrics", key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("error logging metric %s: %w", key, err)
		}
		_, err = fmt.Fprintf(f, "%d %s 0\n", ts, strconv.FormatFloat(value, 'g', -1, 64))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("error logging metric %s: %w", key, err)
		}
	}
	return nil
}

func (r *fileRun) LogModel(ctx context.Context, path, artifactPath string) (string, error) {
	return logArtifacts(ctx, r.opts, r.meta.ArtifactURI, path, artifactPath)
}

func (r *fileRun) RegisterModel(ctx context.Context, name, source string) (int, error) {
	return 0, ErrRegistryNotSupported
}

func (r *fileRun) End(ctx context.Context, status string) error {
	r.meta.Status = status
	r.meta.EndTime = time.Now().UnixMilli()
	return r.writeMeta()
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
