package config

import (
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/units"
)

// CampaignConfig is the raw input for NewCampaign.
type CampaignConfig struct {
	Start        time.Time
	Location     *time.Location
	AllowedTypes []string
	GoalMiles    float64
	Units        units.Converter
}

// Campaign is the immutable rule set shared by the sync pipeline and the read views.
type Campaign struct {
	Start        time.Time
	Location     *time.Location
	AllowedTypes []string
	GoalMiles    float64
	Units        units.Converter

	allowed map[string]struct{}
}

// NewCampaign copies the provided configuration so later mutation of the inputs has no effect.
func NewCampaign(cfg CampaignConfig) Campaign {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	converter := cfg.Units
	if converter == (units.Converter{}) {
		converter = units.Default()
	}
	allowedTypes := append([]string(nil), cfg.AllowedTypes...)
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, activityType := range allowedTypes {
		allowed[activityType] = struct{}{}
	}
	return Campaign{
		Start:        cfg.Start.In(location),
		Location:     location,
		AllowedTypes: allowedTypes,
		GoalMiles:    cfg.GoalMiles,
		Units:        converter,
		allowed:      allowed,
	}
}

// Allows reports whether the activity type counts toward the campaign.
func (c Campaign) Allows(activityType string) bool {
	_, ok := c.allowed[activityType]
	return ok
}

// StartMonth returns the first instant of the month containing the campaign start.
func (c Campaign) StartMonth() time.Time {
	return MonthOf(c.Start, c.Location)
}

// MonthOf truncates the instant to the first day of its month in location.
func MonthOf(instant time.Time, location *time.Location) time.Time {
	local := instant.In(location)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, location)
}
