// Package activities validates, filters, and stores provider activities for each athlete.
package activities

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/metrics"
	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/stridetally/internal/strava"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opIngestorNew = "activities.ingestor.new"
	opIngest      = "activities.ingest"
)

var errMissingDatabase = errors.New("database handle is required")

// IngestorConfig describes the Ingestor dependencies.
type IngestorConfig struct {
	Database *gorm.DB
	Campaign config.Campaign
	Logger   *zap.Logger
}

// Ingestor upserts fetched activities.
type Ingestor struct {
	db       *gorm.DB
	campaign config.Campaign
	logger   *zap.Logger
}

// NewIngestor constructs an Ingestor.
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opIngestorNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		db:       cfg.Database,
		campaign: cfg.Campaign,
		logger:   logger,
	}, nil
}

// Ingest stores the batch for userID in payload order inside a single transaction.
// Malformed and filtered records are skipped; storage failures abort the whole batch.
func (i *Ingestor) Ingest(ctx context.Context, userID uint, raws []strava.RawActivity) (IngestResult, error) {
	var result IngestResult
	txErr := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, raw := range raws {
			candidate, err := validate(raw)
			if err != nil {
				result.Malformed++
				i.logger.Warn("skipping malformed activity",
					zap.Uint("athlete_id", userID),
					zap.Error(err))
				continue
			}
			if !i.campaign.Allows(candidate.Type) {
				result.Filtered++
				continue
			}
			candidate.UserID = userID

			var existing Activity
			lookup := tx.Where("user_id = ? AND external_id = ?", userID, candidate.ExternalID).Limit(1).Find(&existing)
			switch {
			case lookup.Error != nil:
				i.logError(opIngest, "select_failed", lookup.Error, zap.Uint("athlete_id", userID), zap.Int64("external_id", candidate.ExternalID))
				return serviceerr.New(opIngest, "select_failed", lookup.Error)
			case lookup.RowsAffected == 0:
				if err := tx.Create(&candidate).Error; err != nil {
					i.logError(opIngest, "insert_failed", err, zap.Uint("athlete_id", userID), zap.Int64("external_id", candidate.ExternalID))
					return serviceerr.New(opIngest, "insert_failed", err)
				}
				result.Inserted++
			default:
				if err := tx.Model(&Activity{}).Where("id = ?", existing.ID).Updates(patchOf(candidate)).Error; err != nil {
					i.logError(opIngest, "update_failed", err, zap.Uint("athlete_id", userID), zap.Int64("external_id", candidate.ExternalID))
					return serviceerr.New(opIngest, "update_failed", err)
				}
				result.Updated++
			}
		}
		return nil
	})
	if txErr != nil {
		return IngestResult{}, txErr
	}

	metrics.RecordIngested("inserted", result.Inserted)
	metrics.RecordIngested("updated", result.Updated)
	metrics.RecordIngested("malformed", result.Malformed)
	metrics.RecordIngested("filtered", result.Filtered)
	return result, nil
}

// validate turns a raw record into an unsaved Activity. Zero type, distance, or moving time counts as missing.
func validate(raw strava.RawActivity) (Activity, error) {
	if raw.ID == nil {
		return Activity{}, &MalformedActivityError{Field: "id"}
	}
	activityID := *raw.ID
	if raw.Type == nil || strings.TrimSpace(*raw.Type) == "" {
		return Activity{}, &MalformedActivityError{ActivityID: activityID, Field: "type"}
	}
	if raw.Distance == nil || *raw.Distance == 0 {
		return Activity{}, &MalformedActivityError{ActivityID: activityID, Field: "distance"}
	}
	if raw.MovingTime == nil || *raw.MovingTime == 0 {
		return Activity{}, &MalformedActivityError{ActivityID: activityID, Field: "moving_time"}
	}

	activityType := strings.TrimSpace(*raw.Type)
	activity := Activity{
		ExternalID: activityID,
		Type:       activityType,
		SportType:  activityType,
		Distance:   *raw.Distance,
		MovingTime: *raw.MovingTime,
		StartDate:  raw.StartTime(),
	}
	if raw.SportType != nil && strings.TrimSpace(*raw.SportType) != "" {
		activity.SportType = strings.TrimSpace(*raw.SportType)
	}
	if raw.TotalElevationGain != nil {
		activity.Elevation = *raw.TotalElevationGain
	}
	if raw.SufferScore != nil {
		score := *raw.SufferScore
		activity.SufferScore = &score
	}
	if raw.KudosCount != nil {
		activity.KudosCount = *raw.KudosCount
	}
	return activity, nil
}

// patchOf lists every mutable column so zero values and nils overwrite stale data.
func patchOf(activity Activity) map[string]interface{} {
	var startDate interface{}
	if activity.StartDate != nil {
		startDate = *activity.StartDate
	}
	var sufferScore interface{}
	if activity.SufferScore != nil {
		sufferScore = *activity.SufferScore
	}
	return map[string]interface{}{
		"type":         activity.Type,
		"sport_type":   activity.SportType,
		"distance":     activity.Distance,
		"moving_time":  activity.MovingTime,
		"elevation":    activity.Elevation,
		"suffer_score": sufferScore,
		"kudos_count":  activity.KudosCount,
		"start_date":   startDate,
	}
}

func (i *Ingestor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	i.logger.Error("activities ingestor error", attrs...)
}
