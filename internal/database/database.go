package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the trial ledger named by a storage locator and runs
// migrations. storageType selects the driver: "sqlite" treats the locator
// as a file path, "postgres" as a DSN.
func Open(storageType, locator string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch strings.ToLower(storageType) {
	case "", "sqlite":
		if locator != "file::memory:" {
			if err := os.MkdirAll(filepath.Dir(locator), os.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory for %s: %w", locator, err)
			}
		}
		dialector = sqlite.Open(locator)
	case "postgres", "postgresql":
		dialector = postgres.Open(locator)
	default:
		return nil, fmt.Errorf("unknown storage type '%s'", storageType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger %s: %w", locator, err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return db, nil
}
