package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSportType   = "2024-11-01_backfill_activity_sport_type"
	migrationBackfillDisplayName = "2024-11-15_backfill_athlete_display_name"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSportType, apply: backfillSportType},
		{name: migrationBackfillDisplayName, apply: backfillDisplayName},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
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

// backfillSportType copies type into sport_type for rows stored before sport_type was tracked.
func backfillSportType(db *gorm.DB) error {
	return db.Model(&activities.Activity{}).
		Where("sport_type IS NULL OR sport_type = ''").
		Update("sport_type", gorm.Expr("type")).Error
}

func backfillDisplayName(db *gorm.DB) error {
	return db.Model(&athletes.User{}).
		Where("display_name IS NULL OR display_name = ''").
		Update("display_name", gorm.Expr("COALESCE(NULLIF(TRIM(first_name), ''), NULLIF(TRIM(username), ''), 'Unknown')")).Error
}
