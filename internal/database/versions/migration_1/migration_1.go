package migration_1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Adds the model registry.

type RegisteredModel struct {
	Name         string `gorm:"primaryKey"`
	CreationTime time.Time

	Versions []ModelVersion `gorm:"foreignKey:ModelName;constraint:OnDelete:CASCADE"`
}

type ModelVersion struct {
	ModelName string `gorm:"primaryKey"`
	Version   int    `gorm:"primaryKey"`

	RunId        uuid.UUID `gorm:"type:uuid"`
	Source       string
	CreationTime time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&RegisteredModel{}, &ModelVersion{}); err != nil {
		return fmt.Errorf("error creating model registry tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&ModelVersion{}, &RegisteredModel{}); err != nil {
		return fmt.Errorf("error dropping model registry tables: %w", err)
	}
	return nil
}
