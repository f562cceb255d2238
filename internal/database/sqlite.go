package database

import (
	"fmt"

	"github.com/akademo-labs/playguard/internal/quota"
	"github.com/akademo-labs/playguard/internal/session"
	"github.com/akademo-labs/playguard/internal/viewer"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SeedDefaults carries the operator-configured platform defaults written by
// the seed migration on a fresh database. Zero values fall back to the
// built-in defaults.
type SeedDefaults struct {
	DefaultMultiplier     float64
	WatermarkIntervalMins int
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, seed SeedDefaults, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&quota.Video{},
		&quota.Organization{},
		&quota.PlatformSettings{},
		&quota.PlayState{},
		&session.DeviceSession{},
		&viewer.Identity{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, seed, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
