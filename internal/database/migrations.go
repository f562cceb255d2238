package database

import (
	"errors"
	"time"

	"github.com/akademo-labs/playguard/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedPlatformSettings   = "2026-05-12_seed_platform_settings"
	migrationBackfillPositionSeq    = "2026-07-28_backfill_position_seq"
	defaultPlatformMultiplier       = 2.0
	defaultPlatformWatermarkMinutes = 5
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, seed SeedDefaults, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedPlatformSettings, apply: func(db *gorm.DB) error {
			return seedPlatformSettings(db, seed)
		}},
		{name: migrationBackfillPositionSeq, apply: backfillPositionSeq},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedPlatformSettings(db *gorm.DB, seed SeedDefaults) error {
	multiplier := seed.DefaultMultiplier
	if multiplier <= 0 {
		multiplier = defaultPlatformMultiplier
	}
	watermarkMins := seed.WatermarkIntervalMins
	if watermarkMins <= 0 {
		watermarkMins = defaultPlatformWatermarkMinutes
	}
	settings := quota.PlatformSettings{
		ID:                            quota.PlatformSettingsID,
		DefaultMaxWatchTimeMultiplier: multiplier,
		DefaultWatermarkIntervalMins:  watermarkMins,
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&settings).Error
}

// Rows written before the position sequence guard existed carry NULLs there;
// zero makes every later flush win, which matches the pre-guard behavior.
func backfillPositionSeq(db *gorm.DB) error {
	return db.Model(&quota.PlayState{}).
		Where("last_position_seq IS NULL").
		Update("last_position_seq", 0).Error
}
