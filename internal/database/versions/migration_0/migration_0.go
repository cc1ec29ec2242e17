package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Experiment struct {
	Id               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"uniqueIndex;not null"`
	ArtifactLocation string
	CreationTime     time.Time

	Runs []Run `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`
}

type Run struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExperimentId uuid.UUID `gorm:"type:uuid;not null"`

	Name        string
	Status      string `gorm:"size:20;not null"`
	StartTime   time.Time
	EndTime     sql.NullTime
	ArtifactURI string
	Tags        datatypes.JSON

	Params  []RunParam  `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Metrics []RunMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunParam struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key   string    `gorm:"primaryKey"`
	Value string
}

type RunMetric struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key       string    `gorm:"primaryKey"`
	Step      int64     `gorm:"primaryKey"`
	Value     float64
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Experiment{}, &Run{}, &RunParam{}, &RunMetric{})
}
