package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestNewDatabase(t *testing.T) {
	uri := "sqlite:///" + filepath.Join(t.TempDir(), "tracking", "mlflow.db")
	require.True(t, IsDatabaseURI(uri))

	db, err := NewDatabase(uri)
	require.NoError(t, err)

	for _, table := range []any{&Experiment{}, &Run{}, &RunParam{}, &RunMetric{}, &RegisteredModel{}, &ModelVersion{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}

	exp := Experiment{Id: uuid.New(), Name: "Default", CreationTime: time.Now()}
	require.NoError(t, db.Create(&exp).Error)

	run := Run{
		Id:           uuid.New(),
		ExperimentId: exp.Id,
		Status:       RunRunning,
		StartTime:    time.Now(),
		Tags:         datatypes.JSON(`{"stage":"evaluation"}`),
		Params:       []RunParam{{Key: "EPOCHS", Value: "1"}},
		Metrics:      []RunMetric{{Key: "loss", Value: 0.5, Timestamp: time.Now()}},
	}
	require.NoError(t, db.Create(&run).Error)

	var loaded Run
	require.NoError(t, db.Preload("Params").Preload("Metrics").First(&loaded, "id = ?", run.Id).Error)
	assert.Equal(t, "1", loaded.Params[0].Value)
	assert.InDelta(t, 0.5, loaded.Metrics[0].Value, 1e-9)
}

func TestMigratorRollback(t *testing.T) {
	db, err := NewDatabase("sqlite:///" + filepath.Join(t.TempDir(), "mlflow.db"))
	require.NoError(t, err)

	migrator := GetMigrator(db)
	require.NoError(t, migrator.RollbackLast())
	assert.False(t, db.Migrator().HasTable(&ModelVersion{}))
	assert.True(t, db.Migrator().HasTable(&Run{}))

	require.NoError(t, migrator.Migrate())
	assert.True(t, db.Migrator().HasTable(&ModelVersion{}))
}

func TestNewDatabaseRejectsUnknownScheme(t *testing.T) {
	_, err := NewDatabase("mysql://localhost/db")
	assert.Error(t, err)
	assert.False(t, IsDatabaseURI("file:///tmp/mlruns"))
}
