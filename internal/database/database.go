package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IsDatabaseURI reports whether uri names a database backed tracking store.
func IsDatabaseURI(uri string) bool {
	for _, prefix := range []string{"sqlite://", "postgres://", "postgresql://"} {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

// NewDatabase opens and migrates the tracking database at uri. sqlite URIs
// follow the sqlite:///relative.db and sqlite:////absolute.db convention.
func NewDatabase(uri string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(uri, "sqlite:///"):
		path := strings.TrimPrefix(uri, "sqlite:///")
		if path == "" {
			return nil, fmt.Errorf("sqlite uri %q has no database path", uri)
		}
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
		dialector = sqlite.Open(path)
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		dialector = postgres.Open(uri)
	default:
		return nil, fmt.Errorf("unsupported database uri %q", uri)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	log.Printf("tracking database ready (%s)", db.Dialector.Name())
	return db, nil
}
