package stats

import "time"

// UserStats is the persisted per-athlete rollup in raw metric units. It is replaced wholesale on every recompute.
type UserStats struct {
	ID              uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          uint      `gorm:"column:user_id;not null;uniqueIndex"`
	TotalDistance   float64   `gorm:"column:total_distance;not null;default:0"`
	TotalElevation  float64   `gorm:"column:total_elevation;not null;default:0"`
	TotalMovingTime int64     `gorm:"column:total_moving_time;not null;default:0"`
	TotalActivities int64     `gorm:"column:total_activities;not null;default:0"`
	TotalKudos      int64     `gorm:"column:total_kudos;not null;default:0"`
	ComputedAt      time.Time `gorm:"column:computed_at;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing rollups.
func (UserStats) TableName() string {
	return "user_stats"
}

// MonthRollup is the team total for one calendar month, in display units.
type MonthRollup struct {
	MonthStart      time.Time `json:"monthStart"`
	Month           string    `json:"month"`
	Year            int       `json:"year"`
	TotalDistance   float64   `json:"totalDistance"`
	TotalElevation  float64   `json:"totalElevation"`
	TotalMovingTime float64   `json:"totalMovingTime"`
	TotalActivities int64     `json:"totalActivities"`
}

// AthleteRef is the public face of an athlete attached to a rollup.
type AthleteRef struct {
	StravaID       string `json:"stravaId"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture"`
}

// UserRollup is one athlete's totals in display units.
type UserRollup struct {
	UserID          uint       `json:"-"`
	User            AthleteRef `json:"user"`
	TotalDistance   float64    `json:"totalDistance"`
	TotalElevation  float64    `json:"totalElevation"`
	TotalMovingTime float64    `json:"totalMovingTime"`
	TotalActivities int64      `json:"totalActivities"`
	TotalKudos      int64      `json:"totalKudos"`
}

// TeamProgress compares the team distance with the campaign goal.
type TeamProgress struct {
	TotalMiles float64 `json:"totalMiles"`
	GoalMiles  float64 `json:"goalMiles"`
	Percent    float64 `json:"percent"`
}
