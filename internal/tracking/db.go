package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"strings"
	"time"

	"kidney-classifier/internal/database"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultArtifactRoot = "mlartifacts"

// DBStore keeps runs and the model registry in a gorm database.
type DBStore struct {
	db         *gorm.DB
	experiment database.Experiment
	opts       Options
}

func NewDBStore(db *gorm.DB, opts Options) (*DBStore, error) {
	root := opts.ArtifactRoot
	if root == "" {
		root = defaultArtifactRoot
	}

	var exp database.Experiment
	err := db.Where(database.Experiment{Name: opts.experiment()}).
		Attrs(database.Experiment{Id: uuid.New(), ArtifactLocation: root, CreationTime: time.Now().UTC()}).
		FirstOrCreate(&exp).Error
	if err != nil {
		return nil, fmt.Errorf("error creating experiment record: %w", err)
	}

	return &DBStore{db: db, experiment: exp, opts: opts}, nil
}

func (s *DBStore) IsLocal() bool { return false }

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *DBStore) artifactURI(runId uuid.UUID) string {
	loc := s.experiment.ArtifactLocation
	if strings.Contains(loc, "://") {
		return strings.TrimRight(loc, "/") + "/" + path.Join(runId.String(), "artifacts")
	}
	return filepath.Join(loc, runId.String(), "artifacts")
}

func (s *DBStore) StartRun(ctx context.Context, name string) (Run, error) {
	id := uuid.New()
	tags, err := json.Marshal(map[string]string{RunNameTag: name})
	if err != nil {
		return nil, err
	}
	run := database.Run{
		Id:           id,
		ExperimentId: s.experiment.Id,
		Name:         name,
		Status:       database.RunRunning,
		StartTime:    time.Now().UTC(),
		ArtifactURI:  s.artifactURI(id),
		Tags:         datatypes.JSON(tags),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "experiment", s.experiment.Name, "error", err)
		return nil, fmt.Errorf("error creating run: %w", err)
	}
	return &dbRun{db: s.db, run: run, opts: s.opts}, nil
}

type dbRun struct {
	db   *gorm.DB
	run  database.Run
	opts Options
}

func (r *dbRun) ID() string { return r.run.Id.String() }

func (r *dbRun) ArtifactURI() string { return r.run.ArtifactURI }

// LogParams records params once; logging a key again must repeat its value.
func (r *dbRun) LogParams(ctx context.Context, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for key, value := range params {
			var existing database.RunParam
			res := txn.Where("run_id = ? AND key = ?", r.run.Id, key).Limit(1).Find(&existing)
			if res.Error != nil {
				return fmt.Errorf("error reading param %s: %w", key, res.Error)
			}
			if res.RowsAffected > 0 {
				if existing.Value != value {
					return fmt.Errorf("%w: %s is %q, got %q", ErrParamChanged, key, existing.Value, value)
				}
				continue
			}
			if err := txn.Create(&database.RunParam{RunId: r.run.Id, Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("error logging param %s: %w", key, err)
			}
		}
		return nil
	})
}

// SetTags merges tags into the run's tag set. Existing keys are overwritten.
func (r *dbRun) SetTags(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var current database.Run
		if err := txn.Select("tags").First(&current, "id = ?", r.run.Id).Error; err != nil {
			return fmt.Errorf("error reading run tags: %w", err)
		}

		merged := map[string]string{}
		if len(current.Tags) > 0 {
			if err := json.Unmarshal(current.Tags, &merged); err != nil {
				return fmt.Errorf("error decoding run tags: %w", err)
			}
		}
		maps.Copy(merged, tags)

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if err := txn.Model(&database.Run{Id: r.run.Id}).Update("tags", datatypes.JSON(data)).Error; err != nil {
			return fmt.Errorf("error updating run tags: %w", err)
		}
		r.run.Tags = data
		return nil
	})
}

func (r *dbRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		now := time.Now().UTC()
		for key, value := range metrics {
			var step int64
			if err := txn.Model(&database.RunMetric{}).
				Where("run_id = ? AND key = ?", r.run.Id, key).
				Select("COUNT(*)").Scan(&step).Error; err != nil {
				return fmt.Errorf("error reading metric history for %s: %w", key, err)
			}
			metric := database.RunMetric{RunId: r.run.Id, Key: key, Step: step, Value: value, Timestamp: now}
			if err := txn.Create(&metric).Error; err != nil {
				return fmt.Errorf("error logging metric %s: %w", key, err)
			}
		}
		return nil
	})
}

func (r *dbRun) LogModel(ctx context.Context, path, artifactPath string) (string, error) {
	return logArtifacts(ctx, r.opts, r.run.ArtifactURI, path, artifactPath)
}

func (r *dbRun) RegisterModel(ctx context.Context, name, source string) (int, error) {
	var version int
	err := r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var model database.RegisteredModel
		if err := txn.Where(database.RegisteredModel{Name: name}).Attrs(database.RegisteredModel{CreationTime: time.Now().UTC()}).FirstOrCreate(&model).Error; err != nil {
			return fmt.Errorf("error creating registered model %s: %w", name, err)
		}

		var latest database.ModelVersion
		err := txn.Where("model_name = ?", name).Order("version DESC").First(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error reading versions of %s: %w", name, err)
		}

		version = latest.Version + 1
		return txn.Create(&database.ModelVersion{
			ModelName:    name,
			Version:      version,
			RunId:        r.run.Id,
			Source:       source,
			CreationTime: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return 0, err
	}

	slog.Info("registered model version", "model", name, "version", version, "run_id", r.run.Id)
	return version, nil
}

func (r *dbRun) End(ctx context.Context, status string) error {
	updates := map[string]any{
		"status":   status,
		"end_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if err := r.db.WithContext(ctx).Model(&database.Run{Id: r.run.Id}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", r.run.Id, "status", status, "error", err)
		return err
	}
	return nil
}
