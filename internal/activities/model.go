package activities

import (
	"fmt"
	"time"
)

// Activity is one provider activity stored in raw metric units.
type Activity struct {
	ID          uint       `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      uint       `gorm:"column:user_id;not null;uniqueIndex:idx_activity_user_external,priority:1"`
	ExternalID  int64      `gorm:"column:external_id;not null;uniqueIndex:idx_activity_user_external,priority:2"`
	Type        string     `gorm:"column:type;size:64;not null"`
	SportType   string     `gorm:"column:sport_type;size:64"`
	Distance    float64    `gorm:"column:distance;not null"`
	MovingTime  int64      `gorm:"column:moving_time;not null"`
	Elevation   float64    `gorm:"column:elevation"`
	SufferScore *float64   `gorm:"column:suffer_score"`
	KudosCount  int64      `gorm:"column:kudos_count"`
	StartDate   *time.Time `gorm:"column:start_date;index"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing activities.
func (Activity) TableName() string {
	return "activities"
}

// OccurredAt is the instant used for month bucketing; the insertion time stands in for an unknown start.
func (a Activity) OccurredAt() time.Time {
	if a.StartDate != nil {
		return *a.StartDate
	}
	return a.CreatedAt
}

// IngestResult counts what happened to each raw activity of a batch.
type IngestResult struct {
	Inserted  int
	Updated   int
	Malformed int
	Filtered  int
}

// MalformedActivityError identifies a raw activity missing a required field.
// ActivityID is zero when the id itself is missing.
type MalformedActivityError struct {
	ActivityID int64
	Field      string
}

func (e *MalformedActivityError) Error() string {
	return fmt.Sprintf("activities: activity %d missing %s", e.ActivityID, e.Field)
}
