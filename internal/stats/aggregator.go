// Package stats maintains per-athlete rollups and computes the team read views.
package stats

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAggregatorNew = "stats.aggregator.new"
	opRecompute     = "stats.recompute_user"
	opTeamByMonth   = "stats.team_by_month"
	opTeamByUser    = "stats.team_by_user"
	opTeamProgress  = "stats.team_progress"
)

var errMissingDatabase = errors.New("database handle is required")

// AggregatorConfig describes the Aggregator dependencies.
type AggregatorConfig struct {
	Database *gorm.DB
	Campaign config.Campaign
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Aggregator owns the user_stats table and the team views.
type Aggregator struct {
	db       *gorm.DB
	campaign config.Campaign
	now      func() time.Time
	logger   *zap.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opAggregatorNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		db:       cfg.Database,
		campaign: cfg.Campaign,
		now:      clock,
		logger:   logger,
	}, nil
}

// RecomputeUserStats rebuilds the athlete's rollup from every stored activity and stamps last_synced_at.
// Both writes commit together or not at all.
func (a *Aggregator) RecomputeUserStats(ctx context.Context, userID uint) (UserStats, error) {
	now := a.now().UTC()
	rollup := UserStats{UserID: userID, ComputedAt: now}

	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored []activities.Activity
		if err := tx.Where("user_id = ?", userID).Find(&stored).Error; err != nil {
			a.logError(opRecompute, "activities_query_failed", err, zap.Uint("athlete_id", userID))
			return serviceerr.New(opRecompute, "activities_query_failed", err)
		}
		for _, activity := range stored {
			rollup.TotalDistance += activity.Distance
			rollup.TotalElevation += activity.Elevation
			rollup.TotalMovingTime += activity.MovingTime
			rollup.TotalActivities++
			rollup.TotalKudos += activity.KudosCount
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_distance",
				"total_elevation",
				"total_moving_time",
				"total_activities",
				"total_kudos",
				"computed_at",
				"updated_at",
			}),
		}).Create(&rollup).Error
		if err != nil {
			a.logError(opRecompute, "rollup_upsert_failed", err, zap.Uint("athlete_id", userID))
			return serviceerr.New(opRecompute, "rollup_upsert_failed", err)
		}

		result := tx.Model(&athletes.User{}).Where("id = ?", userID).Update("last_synced_at", now)
		if result.Error != nil {
			a.logError(opRecompute, "athlete_stamp_failed", result.Error, zap.Uint("athlete_id", userID))
			return serviceerr.New(opRecompute, "athlete_stamp_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return athletes.ErrAthleteNotFound
		}
		return nil
	})
	if txErr != nil {
		return UserStats{}, txErr
	}
	return rollup, nil
}

func (a *Aggregator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("stats aggregator error", attrs...)
}
